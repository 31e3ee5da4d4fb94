package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/mcp"
	"persona-mcp/internal/service"
)

func newWSFixture(t *testing.T, register func(d *mcp.Dispatcher)) (*httptest.Server, *websocket.Conn, *service.SessionManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{SessionTimeoutHours: 1, MaxStreamingSessions: 2}
	logger := zap.NewNop()
	sessions := service.NewSessionManager(cfg, logger)
	d := mcp.NewDispatcher(logger)
	register(d)

	r := gin.New()
	ws := NewWSServer(logger, sessions, d)
	r.GET("/mcp", ws.Handle)

	srv := httptest.NewServer(r)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mcp"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return srv, conn, sessions
}

func readJSON(t *testing.T, conn *websocket.Conn, dst interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(dst); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestWS_RequestResponse(t *testing.T) {
	srv, conn, _ := newWSFixture(t, func(d *mcp.Dispatcher) {
		d.Register("echo", func(_ context.Context, _ *service.Session, params json.RawMessage) (interface{}, error) {
			var p map[string]string
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return map[string]string{"echo": p["msg"]}, nil
		})
	})
	defer srv.Close()
	defer conn.Close()

	req := `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"msg":"hola"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      int               `json:"id"`
		Result  map[string]string `json:"result"`
	}
	readJSON(t, conn, &resp)
	if resp.JSONRPC != "2.0" || resp.ID != 1 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Result["echo"] != "hola" {
		t.Fatalf("result = %v", resp.Result)
	}
}

func TestWS_ServerPushOrdering(t *testing.T) {
	srv, conn, _ := newWSFixture(t, func(d *mcp.Dispatcher) {
		d.Register("push", func(_ context.Context, sess *service.Session, _ json.RawMessage) (interface{}, error) {
			// El push entra al canal antes de que la respuesta se encole.
			sess.Emit(mcp.NewStreamEvent(mcp.EventStreamChunk, json.RawMessage("9"), mcp.StreamFrame{StreamID: "s1", Chunk: "frame"}))
			return "ack", nil
		})
	})
	defer srv.Close()
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9,"method":"push"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var event mcp.StreamEvent
	readJSON(t, conn, &event)
	if event.Result.EventType != mcp.EventStreamChunk || event.Result.Chunk != "frame" {
		t.Fatalf("first message = %+v, want pushed frame", event)
	}

	var resp struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	readJSON(t, conn, &resp)
	if resp.ID != 9 || resp.Result != "ack" {
		t.Fatalf("second message = %+v, want ack response", resp)
	}
}

func TestWS_BurstLargerThanBufferLosesNothing(t *testing.T) {
	const frames = 600 // bastante más que outboundBuffer

	srv, conn, _ := newWSFixture(t, func(d *mcp.Dispatcher) {
		d.Register("burst", func(_ context.Context, sess *service.Session, _ json.RawMessage) (interface{}, error) {
			for i := 1; i <= frames; i++ {
				sess.Emit(mcp.NewStreamEvent(mcp.EventStreamChunk, json.RawMessage("3"), mcp.StreamFrame{
					StreamID: "s1", Sequence: i,
				}))
			}
			return "done", nil
		})
	})
	defer srv.Close()
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":3,"method":"burst"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Todos los frames llegan, en orden, aunque la ráfaga exceda el buffer.
	for i := 1; i <= frames; i++ {
		var event mcp.StreamEvent
		readJSON(t, conn, &event)
		if event.Result.Sequence != i {
			t.Fatalf("frame %d arrived with sequence %d", i, event.Result.Sequence)
		}
	}

	var resp struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	readJSON(t, conn, &resp)
	if resp.ID != 3 || resp.Result != "done" {
		t.Fatalf("tail message = %+v, want handler response", resp)
	}
}

func TestWS_NotificationProducesNoResponse(t *testing.T) {
	srv, conn, _ := newWSFixture(t, func(d *mcp.Dispatcher) {
		d.Register("noop", func(_ context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
			return "silent", nil
		})
		d.Register("marker", func(_ context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
			return "marker", nil
		})
	})
	defer srv.Close()
	defer conn.Close()

	// La notificación no responde; el marker posterior sí, y llega primero.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"noop"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"marker"}`))

	var resp struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	readJSON(t, conn, &resp)
	if resp.ID != 2 || resp.Result != "marker" {
		t.Fatalf("got %+v, want marker response only", resp)
	}
}

func TestWS_SessionRemovedOnDisconnect(t *testing.T) {
	srv, conn, sessions := newWSFixture(t, func(*mcp.Dispatcher) {})
	defer srv.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := sessions.Counts(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	for {
		if n, _ := sessions.Counts(); n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

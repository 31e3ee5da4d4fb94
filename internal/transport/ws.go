package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"persona-mcp/internal/mcp"
	"persona-mcp/internal/service"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	// outboundBuffer absorbe ráfagas de frames de streaming sin frenar
	// al productor; con el buffer lleno el productor espera al writer.
	outboundBuffer = 256
)

// WSServer atiende conexiones MCP sobre websocket: una sesión por
// conexión, lectura secuencial y un write pump propio para los pushes.
type WSServer struct {
	logger     *zap.Logger
	sessions   *service.SessionManager
	dispatcher *mcp.Dispatcher
	upgrader   websocket.Upgrader
}

func NewWSServer(logger *zap.Logger, sessions *service.SessionManager, dispatcher *mcp.Dispatcher) *WSServer {
	return &WSServer{
		logger:     logger,
		sessions:   sessions,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Runtime local: el cliente vive en la misma máquina.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle es el endpoint gin que promueve la conexión a websocket.
func (s *WSServer) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serve(conn)
}

func (s *WSServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sess := s.sessions.Create()
	defer s.sessions.Remove(sess.ID)

	out := make(chan interface{}, outboundBuffer)
	done := make(chan struct{})
	defer close(done)
	writerExited := make(chan struct{})

	// Emit entrega cada frame en orden: con el buffer lleno bloquea
	// hasta que el writer drene, y suelta al productor si la conexión
	// murió. Nunca descarta frames de una conexión viva.
	sess.Emit = func(event interface{}) {
		select {
		case out <- event:
		case <-writerExited:
		}
	}

	go func() {
		defer close(writerExited)
		s.writePump(conn, sess.ID, out, done)
	}()

	s.logger.Info("mcp connection opened", zap.String("session_id", sess.ID))
	ctx := context.Background()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if resp := s.dispatcher.Dispatch(ctx, sess, data); resp != nil {
			select {
			case out <- resp:
			case <-writerExited:
				return
			}
		}
	}
	s.logger.Info("mcp connection closed", zap.String("session_id", sess.ID))
}

// writePump serializa todas las escrituras de la conexión: respuestas
// del read loop y pushes de streaming comparten el mismo canal.
func (s *WSServer) writePump(conn *websocket.Conn, sessionID string, out <-chan interface{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		}
	}
}

package mcp

import (
	"context"
	"testing"
	"time"

	"persona-mcp/internal/llm"
)

// pacedClient entrega los deltas bajo control del test, para poder
// cancelar en un punto conocido del stream.
type pacedClient struct {
	*llm.MockClient
	deltas chan llm.StreamDelta
}

func (c *pacedClient) GenerateStream(_ context.Context, _ string, _ llm.Constraints) (<-chan llm.StreamDelta, error) {
	return c.deltas, nil
}

func setupStreamCollector(f *serverFixture) chan StreamEvent {
	events := make(chan StreamEvent, 32)
	f.sess.Emit = func(e interface{}) {
		if ev, ok := e.(StreamEvent); ok {
			events <- ev
		}
	}
	return events
}

func waitEvent(t *testing.T, events chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return StreamEvent{}
	}
}

func waitStreamsDrained(t *testing.T, f *serverFixture) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, streams := f.server.sessions.Counts(); streams == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("streams never drained")
}

func TestChatStream_FrameSequence(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	events := setupStreamCollector(f)

	result := f.mustCall(t, "persona.chat_stream",
		`{"persona_id":"`+p.ID+`","message":"Tell me of the harvest"}`).(map[string]interface{})
	streamID := result["stream_id"].(string)
	if streamID == "" {
		t.Fatal("empty stream id")
	}

	start := waitEvent(t, events)
	if start.Result.EventType != EventStreamStart || start.Result.StreamID != streamID {
		t.Fatalf("first event = %+v, want stream_start for %s", start, streamID)
	}
	// Cada frame lleva el id de la petición originante y su timestamp.
	if string(start.ID) != "1" {
		t.Fatalf("frame id = %q, want the request id", start.ID)
	}
	if start.Result.Timestamp == "" {
		t.Fatal("frame without timestamp")
	}

	var full string
	seq := 0
	for {
		ev := waitEvent(t, events)
		if string(ev.ID) != "1" {
			t.Fatalf("frame id = %q, want the request id", ev.ID)
		}
		if ev.Result.EventType == EventStreamComplete {
			if ev.Result.FullResponse != full {
				t.Fatalf("full response = %q, want accumulated %q", ev.Result.FullResponse, full)
			}
			if ev.Result.TotalLength != len(full) {
				t.Fatalf("total length = %d, want %d", ev.Result.TotalLength, len(full))
			}
			if ev.Result.TokensUsed <= 0 {
				t.Fatalf("tokens used = %d, want > 0", ev.Result.TokensUsed)
			}
			if ev.Result.ProcessingTime < 0 {
				t.Fatalf("processing time = %v", ev.Result.ProcessingTime)
			}
			break
		}
		if ev.Result.EventType != EventStreamChunk {
			t.Fatalf("unexpected event %q mid-stream", ev.Result.EventType)
		}
		seq++
		if ev.Result.Sequence != seq {
			t.Fatalf("chunk sequence = %d, want %d", ev.Result.Sequence, seq)
		}
		full += ev.Result.Chunk
		if ev.Result.TotalLength != len(full) {
			t.Fatalf("running length = %d, want %d", ev.Result.TotalLength, len(full))
		}
	}
	if seq != len(f.client.Chunks) {
		t.Fatalf("chunks = %d, want %d", seq, len(f.client.Chunks))
	}

	// Tras completar, el commit deja la memoria del chat y libera el cupo.
	waitStreamsDrained(t, f)
	if len(f.index.memories) != 1 {
		t.Fatalf("memories after stream = %d, want 1", len(f.index.memories))
	}
}

func TestChatStream_Cancellation(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	events := setupStreamCollector(f)

	paced := &pacedClient{MockClient: f.client, deltas: make(chan llm.StreamDelta)}
	f.server.client = paced

	result := f.mustCall(t, "persona.chat_stream",
		`{"persona_id":"`+p.ID+`","message":"Speak at length"}`).(map[string]interface{})
	streamID := result["stream_id"].(string)

	if ev := waitEvent(t, events); ev.Result.EventType != EventStreamStart {
		t.Fatalf("first event = %q, want stream_start", ev.Result.EventType)
	}

	paced.deltas <- llm.StreamDelta{Text: "Once upon "}
	if ev := waitEvent(t, events); ev.Result.EventType != EventStreamChunk {
		t.Fatalf("expected first chunk, got %q", ev.Result.EventType)
	}

	f.mustCall(t, "persona.chat_stream_cancel", `{"stream_id":"`+streamID+`"}`)

	// El siguiente delta hace que el productor observe la bandera.
	paced.deltas <- llm.StreamDelta{Text: "a time"}
	if ev := waitEvent(t, events); ev.Result.EventType != EventStreamCancelled {
		t.Fatalf("expected stream_cancelled, got %q", ev.Result.EventType)
	}

	// Un stream cancelado no confirma efectos: ninguna memoria escrita.
	waitStreamsDrained(t, f)
	if len(f.index.memories) != 0 {
		t.Fatalf("cancelled stream committed %d memories", len(f.index.memories))
	}
}

func TestChatStream_BackendError(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	events := setupStreamCollector(f)
	f.client.StreamErr = context.DeadlineExceeded

	f.mustCall(t, "persona.chat_stream", `{"persona_id":"`+p.ID+`","message":"hello"}`)

	if ev := waitEvent(t, events); ev.Result.EventType != EventStreamStart {
		t.Fatalf("first event = %q, want stream_start", ev.Result.EventType)
	}
	var last StreamFrame
	for {
		ev := waitEvent(t, events)
		if ev.Result.EventType == EventStreamChunk {
			last = ev.Result
			continue
		}
		if ev.Result.EventType != EventStreamError {
			t.Fatalf("expected stream_error, got %q", ev.Result.EventType)
		}
		if ev.Result.Error == "" {
			t.Fatal("error frame without message")
		}
		break
	}
	// El frame previo al error es el chunk de respaldo: el cliente
	// siempre tiene texto que mostrar.
	if last.Chunk == "" {
		t.Fatal("no fallback chunk before stream_error")
	}

	waitStreamsDrained(t, f)
	if len(f.index.memories) != 0 {
		t.Fatalf("failed stream committed %d memories", len(f.index.memories))
	}
}

func TestChatStream_OpenFailureEmitsFallback(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	events := setupStreamCollector(f)
	f.client.Err = context.DeadlineExceeded

	f.mustCall(t, "persona.chat_stream", `{"persona_id":"`+p.ID+`","message":"hello"}`)

	if ev := waitEvent(t, events); ev.Result.EventType != EventStreamStart {
		t.Fatalf("first event = %q, want stream_start", ev.Result.EventType)
	}
	chunk := waitEvent(t, events)
	if chunk.Result.EventType != EventStreamChunk || chunk.Result.Chunk == "" {
		t.Fatalf("expected fallback chunk, got %+v", chunk.Result)
	}
	errFrame := waitEvent(t, events)
	if errFrame.Result.EventType != EventStreamError {
		t.Fatalf("expected stream_error, got %q", errFrame.Result.EventType)
	}
	if errFrame.Result.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q, want backend cause", errFrame.Result.Error)
	}
	waitStreamsDrained(t, f)
}

func TestChatStream_CapacityLimit(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	setupStreamCollector(f)

	// Streams que nunca entregan: ocupan cupo hasta la cancelación.
	paced := &pacedClient{MockClient: f.client, deltas: make(chan llm.StreamDelta)}
	f.server.client = paced

	var ids []string
	for i := 0; i < 2; i++ {
		result := f.mustCall(t, "persona.chat_stream",
			`{"persona_id":"`+p.ID+`","message":"busy"}`).(map[string]interface{})
		ids = append(ids, result["stream_id"].(string))
	}

	resp := f.call(t, "persona.chat_stream", `{"persona_id":"`+p.ID+`","message":"one too many"}`)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected capacity error, got %+v", resp)
	}

	for _, id := range ids {
		f.mustCall(t, "persona.chat_stream_cancel", `{"stream_id":"`+id+`"}`)
	}
	close(paced.deltas)
	waitStreamsDrained(t, f)
}

func TestChatStream_RequiresLiveConnection(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	// Sin Emit: no hay conexión viva que reciba los frames.
	resp := f.call(t, "persona.chat_stream", `{"persona_id":"`+p.ID+`","message":"hello"}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp)
	}
}

func TestChatStream_NoLeakedPromptOnUnavailable(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	setupStreamCollector(f)

	// Agota la energía social: la persona deja de estar disponible.
	persona := f.personas.personas[p.ID]
	persona.State.SocialEnergy = 5
	f.personas.personas[p.ID] = persona

	resp := f.call(t, "persona.chat_stream", `{"persona_id":"`+p.ID+`","message":"hello"}`)
	if resp.Error == nil {
		t.Fatal("expected unavailable error")
	}
	if _, streams := f.server.sessions.Counts(); streams != 0 {
		t.Fatalf("streams = %d, want 0 (no slot taken before prep)", streams)
	}
}

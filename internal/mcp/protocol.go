package mcp

import (
	"encoding/json"
	"time"
)

// Códigos de error JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request es una petición JSON-RPC 2.0.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification indica si la petición no espera respuesta.
func (r Request) Notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response es una respuesta JSON-RPC 2.0.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError es el objeto de error JSON-RPC.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// NewResult arma una respuesta exitosa.
func NewResult(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError arma una respuesta de error.
func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// Tipos de evento de streaming empujados dentro del ciclo de la petición.
const (
	EventStreamStart     = "stream_start"
	EventStreamChunk     = "stream_chunk"
	EventStreamComplete  = "stream_complete"
	EventStreamError     = "stream_error"
	EventStreamCancelled = "stream_cancelled"
)

// StreamEvent es un frame de streaming empujado al cliente. Cada frame
// lleva el id de la petición que abrió el stream, con el cuerpo en
// result como cualquier respuesta JSON-RPC.
type StreamEvent struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  StreamFrame     `json:"result"`
}

// StreamFrame es el cuerpo de un evento de streaming.
type StreamFrame struct {
	EventType      string  `json:"event_type"`
	StreamID       string  `json:"stream_id"`
	Timestamp      string  `json:"timestamp"`
	PersonaID      string  `json:"persona_id,omitempty"`
	Chunk          string  `json:"chunk,omitempty"`
	Sequence       int     `json:"sequence,omitempty"`
	TotalLength    int     `json:"total_length,omitempty"`
	FullResponse   string  `json:"full_response,omitempty"`
	TokensUsed     int     `json:"tokens_used,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// NewStreamEvent arma un frame de streaming con el id de la petición
// originante y la marca de tiempo de emisión.
func NewStreamEvent(eventType string, id json.RawMessage, frame StreamFrame) StreamEvent {
	frame.EventType = eventType
	frame.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return StreamEvent{JSONRPC: "2.0", ID: id, Result: frame}
}

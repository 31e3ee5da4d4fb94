package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"persona-mcp/internal/domain"
	"persona-mcp/internal/service"
)

// HandlerFunc procesa los params de un método y devuelve su resultado.
type HandlerFunc func(ctx context.Context, sess *service.Session, params json.RawMessage) (interface{}, error)

type requestIDKey struct{}

func withRequestID(ctx context.Context, id json.RawMessage) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// requestIDFromContext recupera el id de la petición en curso. Los
// frames de streaming lo llevan para correlacionarse con su petición.
func requestIDFromContext(ctx context.Context) json.RawMessage {
	id, _ := ctx.Value(requestIDKey{}).(json.RawMessage)
	return id
}

// Dispatcher enruta peticiones JSON-RPC a sus handlers. Una conexión lo
// usa secuencialmente; el registro de métodos ocurre antes de servir.
type Dispatcher struct {
	logger   *zap.Logger
	handlers map[string]HandlerFunc
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, handlers: map[string]HandlerFunc{}}
}

// Register asocia un método a su handler.
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	d.handlers[method] = h
}

// Methods lista los métodos registrados.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch procesa un mensaje crudo y devuelve la respuesta, o nil si
// la petición era una notificación. Nunca entra en pánico: un pánico
// del handler se convierte en error interno.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *service.Session, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp := NewError(nil, CodeParseError, "parse error")
		return &resp
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp := NewError(req.ID, CodeInvalidRequest, "invalid request")
		return &resp
	}

	handler, ok := d.handlers[req.Method]
	if !ok {
		resp := NewError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
		return &resp
	}

	result, err := d.invoke(withRequestID(ctx, req.ID), sess, handler, req)
	if err != nil {
		code := errorCode(err)
		d.logger.Debug("method failed",
			zap.String("method", req.Method),
			zap.Int("code", code),
			zap.Error(err))
		resp := NewError(req.ID, code, err.Error())
		if req.Notification() {
			return nil
		}
		return &resp
	}
	if req.Notification() {
		return nil
	}
	resp := NewResult(req.ID, result)
	return &resp
}

func (d *Dispatcher) invoke(ctx context.Context, sess *service.Session, handler HandlerFunc, req Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("method", req.Method),
				zap.Any("panic", r))
			err = &RPCError{Code: CodeInternalError, Message: "internal error"}
		}
	}()
	return handler(ctx, sess, req.Params)
}

// errorCode mapea errores de dominio a códigos JSON-RPC.
func errorCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

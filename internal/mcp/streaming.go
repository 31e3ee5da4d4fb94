package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/service"
)

// personaChatStream responde con el stream_id y empuja los frames como
// notificaciones por el Emit de la sesión. Los efectos del turno se
// aplican recién al completar, nunca sobre un stream cancelado o roto.
func (s *Server) personaChatStream(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaChatParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if sess == nil || sess.Emit == nil {
		return nil, fmt.Errorf("streaming requires a live connection: %w", domain.ErrInvalidInput)
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}

	prep, err := s.conversations.PrepareChat(ctx, personaID, p.Message)
	if err != nil {
		return nil, err
	}
	stream, err := s.sessions.StartStream(sess.ID)
	if err != nil {
		return nil, err
	}
	stream.RequestID = requestIDFromContext(ctx)

	emit := sess.Emit
	emit(NewStreamEvent(EventStreamStart, stream.RequestID, StreamFrame{
		StreamID:  stream.ID,
		PersonaID: prep.Persona.ID,
	}))

	go s.runStream(sess, stream, prep, p.Message, emit)

	return map[string]interface{}{
		"stream_id":     stream.ID,
		"persona_id":    prep.Persona.ID,
		"response_type": prep.ResponseType,
	}, nil
}

// runStream consume el backend chunk a chunk, chequeando la bandera de
// cancelación entre frames. El tier template no toca el backend. Un
// fallo del backend emite un chunk de respaldo y después stream_error,
// para que el cliente siempre tenga texto que mostrar.
func (s *Server) runStream(sess *service.Session, stream *service.StreamSession, prep service.ChatPrep, message string, emit func(event interface{})) {
	defer s.sessions.EndStream(sess.ID, stream.ID)

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.LLMTimeoutSeconds)*time.Second)
	defer cancel()

	if prep.ResponseType == domain.ResponseTemplate {
		content := llm.FallbackResponse(prep.Persona.State.CurrentPriority, prep.Persona.State.SocialEnergy, message)
		emit(NewStreamEvent(EventStreamChunk, stream.RequestID, StreamFrame{
			StreamID: stream.ID, PersonaID: prep.Persona.ID,
			Chunk: content, Sequence: 1, TotalLength: len(content),
		}))
		res := s.conversations.CommitChat(ctx, prep, message, content, domain.ResponseTemplate, time.Since(started).Seconds())
		emit(NewStreamEvent(EventStreamComplete, stream.RequestID, StreamFrame{
			StreamID: stream.ID, PersonaID: prep.Persona.ID, Sequence: 2,
			FullResponse: content, TotalLength: len(content),
			TokensUsed: res.TokensUsed, ProcessingTime: res.ProcessingTime,
		}))
		return
	}

	deltas, err := s.client.GenerateStream(ctx, prep.Prompt, prep.Constraints)
	if err != nil {
		s.logger.Warn("stream open failed", zap.String("persona_id", prep.Persona.ID), zap.Error(err))
		s.emitStreamFailure(stream, prep, message, 0, err, emit)
		return
	}

	var full string
	seq := 0
	for delta := range deltas {
		if stream.Cancelled() {
			cancel()
			emit(NewStreamEvent(EventStreamCancelled, stream.RequestID, StreamFrame{
				StreamID: stream.ID, PersonaID: prep.Persona.ID, Sequence: seq + 1,
			}))
			return
		}
		if delta.Err != nil {
			s.emitStreamFailure(stream, prep, message, seq, delta.Err, emit)
			return
		}
		seq++
		full += delta.Text
		emit(NewStreamEvent(EventStreamChunk, stream.RequestID, StreamFrame{
			StreamID: stream.ID, PersonaID: prep.Persona.ID,
			Chunk: delta.Text, Sequence: seq, TotalLength: len(full),
		}))
	}

	if stream.Cancelled() {
		emit(NewStreamEvent(EventStreamCancelled, stream.RequestID, StreamFrame{
			StreamID: stream.ID, PersonaID: prep.Persona.ID, Sequence: seq + 1,
		}))
		return
	}

	res := s.conversations.CommitChat(ctx, prep, message, full, prep.ResponseType, time.Since(started).Seconds())
	emit(NewStreamEvent(EventStreamComplete, stream.RequestID, StreamFrame{
		StreamID: stream.ID, PersonaID: prep.Persona.ID, Sequence: seq + 1,
		FullResponse: full, TotalLength: len(full),
		TokensUsed: res.TokensUsed, ProcessingTime: res.ProcessingTime,
	}))
}

// emitStreamFailure degrada un stream roto: un chunk template como
// respuesta de respaldo y el stream_error con la causa del backend.
func (s *Server) emitStreamFailure(stream *service.StreamSession, prep service.ChatPrep, message string, seq int, cause error, emit func(event interface{})) {
	fallback := llm.FallbackResponse(prep.Persona.State.CurrentPriority, prep.Persona.State.SocialEnergy, message)
	emit(NewStreamEvent(EventStreamChunk, stream.RequestID, StreamFrame{
		StreamID: stream.ID, PersonaID: prep.Persona.ID,
		Chunk: fallback, Sequence: seq + 1, TotalLength: len(fallback),
	}))
	emit(NewStreamEvent(EventStreamError, stream.RequestID, StreamFrame{
		StreamID: stream.ID, PersonaID: prep.Persona.ID, Sequence: seq + 2, Error: cause.Error(),
	}))
}

func (s *Server) personaChatStreamCancel(_ context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p streamCancelParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("no session: %w", domain.ErrInvalidInput)
	}
	if err := s.sessions.CancelStream(sess.ID, p.StreamID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": p.StreamID}, nil
}

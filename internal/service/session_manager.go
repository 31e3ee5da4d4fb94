package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
)

// Session es el contexto por conexión: persona activa, conversación en
// curso, streams vivos y el bag de estado visual del cliente.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	ActivePersonaID string
	ConversationID  string
	VisualState     map[string]interface{}

	// Emit empuja eventos server-push por la conexión dueña de la
	// sesión. Lo fija el transporte; nil fuera de una conexión viva.
	Emit func(event interface{})

	streams map[string]*StreamSession
}

// StreamSession es un streaming en vuelo con bandera de cancelación
// cooperativa: el productor la consulta entre chunks.
type StreamSession struct {
	ID        string
	SessionID string
	StartedAt time.Time

	// RequestID es el id JSON-RPC de la petición que abrió el stream;
	// cada frame emitido lo repite. Se fija antes de lanzar el productor.
	RequestID json.RawMessage

	mu        sync.Mutex
	cancelled bool
}

// Cancel marca el stream para que el productor corte en el próximo chunk.
func (s *StreamSession) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Cancelled informa si el stream fue cancelado.
func (s *StreamSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// SessionManager administra las sesiones de todas las conexiones y el
// barrido periódico de sesiones ociosas.
type SessionManager struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	streams  int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewSessionManager(cfg *config.Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{cfg: cfg, logger: logger, sessions: map[string]*Session{}}
}

// Create registra la sesión de una conexión nueva.
func (m *SessionManager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		VisualState:  map[string]interface{}{},
		streams:      map[string]*StreamSession{},
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get devuelve la sesión y refresca su marca de actividad.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	s.LastActivity = time.Now().UTC()
	return s, nil
}

// Remove descarta la sesión y cancela sus streams vivos.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
}

func (m *SessionManager) remove(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	for _, stream := range s.streams {
		stream.Cancel()
		m.streams--
	}
	delete(m.sessions, id)
}

// SwitchPersona fija la persona activa de la sesión.
func (m *SessionManager) SwitchPersona(sessionID, personaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	s.ActivePersonaID = personaID
	s.LastActivity = time.Now().UTC()
	return nil
}

// StartStream abre un stream si hay cupo global. El cupo protege al
// backend local de concurrencia excesiva.
func (m *SessionManager) StartStream(sessionID string) (*StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if m.streams >= m.cfg.MaxStreamingSessions {
		return nil, fmt.Errorf("streaming capacity exhausted (%d in flight): %w", m.streams, domain.ErrUnavailable)
	}
	stream := &StreamSession{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}
	s.streams[stream.ID] = stream
	m.streams++
	return stream, nil
}

// CancelStream marca el stream para cancelación cooperativa.
func (m *SessionManager) CancelStream(sessionID, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	stream, ok := s.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, domain.ErrNotFound)
	}
	stream.Cancel()
	return nil
}

// EndStream libera el cupo de un stream terminado.
func (m *SessionManager) EndStream(sessionID, streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := s.streams[streamID]; !ok {
		return
	}
	delete(s.streams, streamID)
	m.streams--
}

// Counts devuelve sesiones y streams vivos.
func (m *SessionManager) Counts() (sessions, streams int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), m.streams
}

// Sweep purga sesiones sin actividad por más del timeout configurado.
func (m *SessionManager) Sweep(now time.Time) int {
	timeout := time.Duration(m.cfg.SessionTimeoutHours) * time.Hour
	if timeout <= 0 {
		timeout = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > timeout {
			m.remove(id)
			purged++
		}
	}
	if purged > 0 {
		m.logger.Info("idle sessions purged", zap.Int("count", purged))
	}
	return purged
}

// StartSweeper lanza el barrido periódico.
func (m *SessionManager) StartSweeper(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true

	interval := time.Duration(m.cfg.SessionTickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(time.Now().UTC())
			}
		}
	}()
}

// StopSweeper detiene el barrido periódico.
func (m *SessionManager) StopSweeper() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.started = false
	m.mu.Unlock()
	<-done
}

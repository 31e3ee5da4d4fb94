package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
	"persona-mcp/internal/repository"
)

// PersonaService administra el ciclo de vida de las personas y su
// estado de interacción.
type PersonaService struct {
	cfg      *config.Config
	logger   *zap.Logger
	personas repository.PersonaRepository
	memories *MemoryService
	engine   *ContinueScoreEngine
}

func NewPersonaService(
	cfg *config.Config,
	logger *zap.Logger,
	personas repository.PersonaRepository,
	memories *MemoryService,
	engine *ContinueScoreEngine,
) *PersonaService {
	return &PersonaService{cfg: cfg, logger: logger, personas: personas, memories: memories, engine: engine}
}

// CreateInput son los parámetros de alta de una persona.
type CreateInput struct {
	Name              string
	Description       string
	PersonalityTraits map[string]float64
	TopicPreferences  map[string]float64
	Charisma          int
	Intelligence      int
	SocialRank        string
}

// Create valida y persiste una persona nueva con su estado inicial.
func (s *PersonaService) Create(ctx context.Context, in CreateInput) (domain.Persona, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Persona{}, fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}
	if in.Charisma == 0 {
		in.Charisma = 10
	}
	if in.Intelligence == 0 {
		in.Intelligence = 10
	}
	if in.Charisma < 1 || in.Charisma > 20 || in.Intelligence < 1 || in.Intelligence > 20 {
		return domain.Persona{}, fmt.Errorf("stats must be in 1..20: %w", domain.ErrInvalidInput)
	}
	if in.SocialRank == "" {
		in.SocialRank = "commoner"
	}
	for trait, v := range in.PersonalityTraits {
		if v < 0 || v > 1 {
			return domain.Persona{}, fmt.Errorf("trait %q out of [0,1]: %w", trait, domain.ErrInvalidInput)
		}
	}
	for topic, v := range in.TopicPreferences {
		if v < 0 || v > 100 {
			return domain.Persona{}, fmt.Errorf("topic %q out of [0,100]: %w", topic, domain.ErrInvalidInput)
		}
	}

	now := time.Now().UTC()
	p := domain.Persona{
		ID:                uuid.NewString(),
		Name:              in.Name,
		Description:       in.Description,
		PersonalityTraits: in.PersonalityTraits,
		TopicPreferences:  in.TopicPreferences,
		Charisma:          in.Charisma,
		Intelligence:      in.Intelligence,
		SocialRank:        in.SocialRank,
		CreatedAt:         now,
		State:             domain.DefaultInteractionState(now),
	}
	p.State.AvailableTime = float64(s.cfg.PersonaDefaultAvailableTime)

	if err := s.personas.Create(ctx, p); err != nil {
		return domain.Persona{}, fmt.Errorf("create persona: %w", err)
	}
	s.logger.Info("persona created", zap.String("persona_id", p.ID), zap.String("name", p.Name))
	return p, nil
}

// Get devuelve la persona con su estado regenerado al momento actual.
func (s *PersonaService) Get(ctx context.Context, id string) (domain.Persona, error) {
	p, err := s.personas.Get(ctx, id)
	if err != nil {
		return domain.Persona{}, err
	}
	s.regenerate(ctx, &p)
	return p, nil
}

// List devuelve todas las personas.
func (s *PersonaService) List(ctx context.Context) ([]domain.Persona, error) {
	return s.personas.List(ctx)
}

// Delete borra la persona y toda su colección de memorias.
func (s *PersonaService) Delete(ctx context.Context, id string) error {
	if _, err := s.personas.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.memories.DeletePersonaMemories(ctx, id); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	if err := s.personas.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	s.logger.Info("persona deleted", zap.String("persona_id", id))
	return nil
}

// PersonaStatus es la vista de disponibilidad que expone persona.status.
type PersonaStatus struct {
	PersonaID          string          `json:"persona_id"`
	Name               string          `json:"name"`
	Available          bool            `json:"available"`
	InterestLevel      float64         `json:"interest_level"`
	InteractionFatigue float64         `json:"interaction_fatigue"`
	SocialEnergy       float64         `json:"social_energy"`
	AvailableTime      float64         `json:"available_time"`
	CurrentPriority    domain.Priority `json:"current_priority"`
	CooldownRemaining  float64         `json:"cooldown_remaining_seconds"`
}

// Status evalúa la invariante de disponibilidad al momento actual.
func (s *PersonaService) Status(ctx context.Context, id string) (PersonaStatus, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return PersonaStatus{}, err
	}
	now := time.Now().UTC()
	remaining := p.State.CooldownUntil.Sub(now).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return PersonaStatus{
		PersonaID:          p.ID,
		Name:               p.Name,
		Available:          p.State.IsAvailable(now),
		InterestLevel:      p.State.InterestLevel,
		InteractionFatigue: p.State.InteractionFatigue,
		SocialEnergy:       p.State.SocialEnergy,
		AvailableTime:      p.State.AvailableTime,
		CurrentPriority:    p.State.CurrentPriority,
		CooldownRemaining:  remaining,
	}, nil
}

// SetPriority cambia la prioridad actual de la persona.
func (s *PersonaService) SetPriority(ctx context.Context, id string, priority domain.Priority) error {
	if !domain.ValidPriority(string(priority)) {
		return fmt.Errorf("unknown priority %q: %w", priority, domain.ErrInvalidInput)
	}
	p, err := s.personas.Get(ctx, id)
	if err != nil {
		return err
	}
	p.State.CurrentPriority = priority
	p.State.LastUpdated = time.Now().UTC()
	return s.personas.SaveState(ctx, id, p.State)
}

// SaveState persiste el estado de interacción tal cual.
func (s *PersonaService) SaveState(ctx context.Context, id string, state domain.InteractionState) error {
	return s.personas.SaveState(ctx, id, state)
}

// Count devuelve el total de personas.
func (s *PersonaService) Count(ctx context.Context) (int, error) {
	return s.personas.Count(ctx)
}

// regenerate aplica la regeneración por tiempo de pared transcurrido
// desde la última actualización y persiste si hubo cambio.
func (s *PersonaService) regenerate(ctx context.Context, p *domain.Persona) {
	now := time.Now().UTC()
	if p.State.LastUpdated.IsZero() {
		return
	}
	elapsed := now.Sub(p.State.LastUpdated)
	if elapsed < time.Minute {
		return
	}
	before := p.State
	s.engine.Regenerate(&p.State, elapsed, now)
	if p.State == before {
		return
	}
	if err := s.personas.SaveState(ctx, p.ID, p.State); err != nil {
		s.logger.Warn("persist regenerated state", zap.String("persona_id", p.ID), zap.Error(err))
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"persona-mcp/internal/domain"
	"persona-mcp/internal/repository"
)

// Baselines hacia las que deriva el estado emocional en reposo.
const (
	baselineMood      = 0.0
	baselineEnergy    = 0.7
	baselineStress    = 0.2
	baselineBattery   = 0.8
	baselineCuriosity = 0.5
	driftRatePerHour  = 0.05
)

// EmotionalService administra el estado afectivo por persona, creado
// bajo demanda y con deriva hacia baseline entre lecturas.
type EmotionalService struct {
	logger *zap.Logger
	states repository.EmotionalStateRepository
}

func NewEmotionalService(logger *zap.Logger, states repository.EmotionalStateRepository) *EmotionalService {
	return &EmotionalService{logger: logger, states: states}
}

// GetOrCreate devuelve el estado actual con la deriva aplicada; crea el
// estado neutro si no existe.
func (s *EmotionalService) GetOrCreate(ctx context.Context, personaID string) (domain.EmotionalState, error) {
	if personaID == "" {
		return domain.EmotionalState{}, fmt.Errorf("persona_id is required: %w", domain.ErrInvalidInput)
	}
	now := time.Now().UTC()

	state, err := s.states.Get(ctx, personaID)
	if errors.Is(err, domain.ErrNotFound) {
		state = domain.DefaultEmotionalState(personaID, now)
		if err := s.states.Upsert(ctx, state); err != nil {
			return domain.EmotionalState{}, fmt.Errorf("create emotional state: %w", err)
		}
		return state, nil
	}
	if err != nil {
		return domain.EmotionalState{}, fmt.Errorf("get emotional state: %w", err)
	}

	drifted := Drift(state, now)
	if drifted != state {
		if err := s.states.Upsert(ctx, drifted); err != nil {
			return domain.EmotionalState{}, fmt.Errorf("persist drift: %w", err)
		}
	}
	return drifted, nil
}

// ApplyInteractionEffect ajusta el estado por el resultado de una
// interacción: valence en [-1,1], significance en [0,1].
func (s *EmotionalService) ApplyInteractionEffect(ctx context.Context, personaID string, valence, significance float64) (domain.EmotionalState, error) {
	valence = clampF(valence, -1, 1)
	significance = clampF(significance, 0, 1)

	state, err := s.GetOrCreate(ctx, personaID)
	if err != nil {
		return domain.EmotionalState{}, err
	}

	state.Mood += valence * significance * 2
	if valence < 0 {
		state.StressLevel += significance
	} else {
		state.StressLevel -= significance / 2
	}
	state.SocialBattery -= significance
	state.EnergyLevel -= significance / 2
	if valence > 0 {
		state.Curiosity += significance / 2
	}
	state.LastUpdated = time.Now().UTC()
	state.Clamp()

	if err := s.states.Upsert(ctx, state); err != nil {
		return domain.EmotionalState{}, fmt.Errorf("persist emotional state: %w", err)
	}
	return state, nil
}

// UpdateState fija dimensiones explícitas. Los punteros nil dejan la
// dimensión intacta.
type EmotionalUpdate struct {
	Mood          *float64
	EnergyLevel   *float64
	StressLevel   *float64
	Curiosity     *float64
	SocialBattery *float64
}

func (s *EmotionalService) UpdateState(ctx context.Context, personaID string, up EmotionalUpdate) (domain.EmotionalState, error) {
	state, err := s.GetOrCreate(ctx, personaID)
	if err != nil {
		return domain.EmotionalState{}, err
	}
	if up.Mood != nil {
		state.Mood = *up.Mood
	}
	if up.EnergyLevel != nil {
		state.EnergyLevel = *up.EnergyLevel
	}
	if up.StressLevel != nil {
		state.StressLevel = *up.StressLevel
	}
	if up.Curiosity != nil {
		state.Curiosity = *up.Curiosity
	}
	if up.SocialBattery != nil {
		state.SocialBattery = *up.SocialBattery
	}
	state.LastUpdated = time.Now().UTC()
	state.Clamp()

	if err := s.states.Upsert(ctx, state); err != nil {
		return domain.EmotionalState{}, fmt.Errorf("persist emotional state: %w", err)
	}
	return state, nil
}

// Drift acerca cada dimensión a su baseline a 0.05/hora desde la última
// actualización. Pura, exportada para tests.
func Drift(state domain.EmotionalState, now time.Time) domain.EmotionalState {
	hours := now.Sub(state.LastUpdated).Hours()
	if hours <= 0 {
		return state
	}
	step := driftRatePerHour * hours

	state.Mood = driftToward(state.Mood, baselineMood, step)
	state.EnergyLevel = driftToward(state.EnergyLevel, baselineEnergy, step)
	state.StressLevel = driftToward(state.StressLevel, baselineStress, step)
	state.SocialBattery = driftToward(state.SocialBattery, baselineBattery, step)
	state.Curiosity = driftToward(state.Curiosity, baselineCuriosity, step)
	state.LastUpdated = now
	state.Clamp()
	return state
}

func driftToward(value, baseline, step float64) float64 {
	diff := baseline - value
	if math.Abs(diff) <= step {
		return baseline
	}
	if diff > 0 {
		return value + step
	}
	return value - step
}

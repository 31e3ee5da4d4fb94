package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"persona-mcp/internal/domain"
)

// EmotionalStateRepository persiste el estado afectivo por persona.
type EmotionalStateRepository interface {
	Get(ctx context.Context, personaID string) (domain.EmotionalState, error)
	Upsert(ctx context.Context, state domain.EmotionalState) error
}

type PgEmotionalStateRepository struct {
	pool *pgxpool.Pool
}

func NewPgEmotionalStateRepository(pool *pgxpool.Pool) *PgEmotionalStateRepository {
	return &PgEmotionalStateRepository{pool: pool}
}

func (r *PgEmotionalStateRepository) Get(ctx context.Context, personaID string) (domain.EmotionalState, error) {
	const query = `
		SELECT persona_id, mood, energy_level, stress_level, curiosity, social_battery, last_updated, created_at
		FROM emotional_states
		WHERE persona_id = $1
	`
	var s domain.EmotionalState
	err := r.pool.QueryRow(ctx, query, personaID).Scan(
		&s.PersonaID, &s.Mood, &s.EnergyLevel, &s.StressLevel, &s.Curiosity, &s.SocialBattery, &s.LastUpdated, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EmotionalState{}, fmt.Errorf("emotional state %s: %w", personaID, domain.ErrNotFound)
	}
	return s, err
}

func (r *PgEmotionalStateRepository) Upsert(ctx context.Context, state domain.EmotionalState) error {
	const query = `
		INSERT INTO emotional_states (persona_id, mood, energy_level, stress_level, curiosity, social_battery, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (persona_id) DO UPDATE SET
			mood = EXCLUDED.mood,
			energy_level = EXCLUDED.energy_level,
			stress_level = EXCLUDED.stress_level,
			curiosity = EXCLUDED.curiosity,
			social_battery = EXCLUDED.social_battery,
			last_updated = EXCLUDED.last_updated
	`
	_, err := r.pool.Exec(ctx, query,
		state.PersonaID, state.Mood, state.EnergyLevel, state.StressLevel,
		state.Curiosity, state.SocialBattery, state.LastUpdated, state.CreatedAt,
	)
	return err
}

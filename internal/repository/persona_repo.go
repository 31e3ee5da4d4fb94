package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"persona-mcp/internal/domain"
)

// PersonaRepository persiste personas y su estado de interacción.
type PersonaRepository interface {
	Create(ctx context.Context, p domain.Persona) error
	Get(ctx context.Context, id string) (domain.Persona, error)
	List(ctx context.Context) ([]domain.Persona, error)
	Delete(ctx context.Context, id string) error
	SaveState(ctx context.Context, id string, state domain.InteractionState) error
	Count(ctx context.Context) (int, error)
}

type PgPersonaRepository struct {
	pool *pgxpool.Pool
}

func NewPgPersonaRepository(pool *pgxpool.Pool) *PgPersonaRepository {
	return &PgPersonaRepository{pool: pool}
}

func (r *PgPersonaRepository) Create(ctx context.Context, p domain.Persona) error {
	traits, err := json.Marshal(p.PersonalityTraits)
	if err != nil {
		return fmt.Errorf("marshal traits: %w", err)
	}
	prefs, err := json.Marshal(p.TopicPreferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertPersona = `
		INSERT INTO personas (id, name, description, personality_traits, topic_preferences, charisma, intelligence, social_rank, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.Exec(ctx, insertPersona,
		p.ID, p.Name, p.Description, traits, prefs, p.Charisma, p.Intelligence, p.SocialRank, p.CreatedAt,
	); err != nil {
		return err
	}

	const insertState = `
		INSERT INTO persona_interaction_states (persona_id, interest_level, interaction_fatigue, current_priority, available_time, social_energy, cooldown_until, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, insertState,
		p.ID, p.State.InterestLevel, p.State.InteractionFatigue, string(p.State.CurrentPriority),
		p.State.AvailableTime, p.State.SocialEnergy, nullTime(p.State.CooldownUntil), p.State.LastUpdated,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PgPersonaRepository) Get(ctx context.Context, id string) (domain.Persona, error) {
	const query = `
		SELECT p.id, p.name, p.description, p.personality_traits, p.topic_preferences, p.charisma, p.intelligence, p.social_rank, p.created_at,
		       s.interest_level, s.interaction_fatigue, s.current_priority, s.available_time, s.social_energy, s.cooldown_until, s.last_updated
		FROM personas p
		JOIN persona_interaction_states s ON s.persona_id = p.id
		WHERE p.id = $1
	`
	row := r.pool.QueryRow(ctx, query, id)
	p, err := scanPersona(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Persona{}, fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (r *PgPersonaRepository) List(ctx context.Context) ([]domain.Persona, error) {
	const query = `
		SELECT p.id, p.name, p.description, p.personality_traits, p.topic_preferences, p.charisma, p.intelligence, p.social_rank, p.created_at,
		       s.interest_level, s.interaction_fatigue, s.current_priority, s.available_time, s.social_energy, s.cooldown_until, s.last_updated
		FROM personas p
		JOIN persona_interaction_states s ON s.persona_id = p.id
		ORDER BY p.created_at
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var personas []domain.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

func (r *PgPersonaRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM personas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PgPersonaRepository) SaveState(ctx context.Context, id string, state domain.InteractionState) error {
	const query = `
		UPDATE persona_interaction_states
		SET interest_level = $2, interaction_fatigue = $3, current_priority = $4,
		    available_time = $5, social_energy = $6, cooldown_until = $7, last_updated = $8
		WHERE persona_id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		id, state.InterestLevel, state.InteractionFatigue, string(state.CurrentPriority),
		state.AvailableTime, state.SocialEnergy, nullTime(state.CooldownUntil), state.LastUpdated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PgPersonaRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM personas`).Scan(&n)
	return n, err
}

// scannable permite reutilizar el scan para QueryRow y Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPersona(row scannable) (domain.Persona, error) {
	var (
		p        domain.Persona
		traits   []byte
		prefs    []byte
		priority string
		cooldown *time.Time
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Description, &traits, &prefs, &p.Charisma, &p.Intelligence, &p.SocialRank, &p.CreatedAt,
		&p.State.InterestLevel, &p.State.InteractionFatigue, &priority,
		&p.State.AvailableTime, &p.State.SocialEnergy, &cooldown, &p.State.LastUpdated,
	); err != nil {
		return domain.Persona{}, err
	}
	if err := json.Unmarshal(traits, &p.PersonalityTraits); err != nil {
		return domain.Persona{}, fmt.Errorf("unmarshal traits: %w", err)
	}
	if err := json.Unmarshal(prefs, &p.TopicPreferences); err != nil {
		return domain.Persona{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	p.State.CurrentPriority = domain.Priority(priority)
	if cooldown != nil {
		p.State.CooldownUntil = *cooldown
	}
	return p, nil
}

// nullTime convierte el cero de time.Time en NULL para columnas opcionales.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

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

// InteractionRecord es una fila del historial de interacciones.
type InteractionRecord struct {
	ID              int64     `json:"id"`
	Persona1ID      string    `json:"persona1_id"`
	Persona2ID      string    `json:"persona2_id"`
	Quality         float64   `json:"interaction_quality"`
	DurationMinutes float64   `json:"duration_minutes"`
	Context         string    `json:"context"`
	Timestamp       time.Time `json:"timestamp"`
}

// RelationshipRepository persiste vínculos simétricos y su historial.
// Todas las operaciones canonicalizan el par antes de tocar la base.
type RelationshipRepository interface {
	Get(ctx context.Context, a, b string) (domain.Relationship, error)
	Upsert(ctx context.Context, rel domain.Relationship) error
	ListByPersona(ctx context.Context, personaID string) ([]domain.Relationship, error)
	LogInteraction(ctx context.Context, rec InteractionRecord) error
	Count(ctx context.Context) (int, error)
}

type PgRelationshipRepository struct {
	pool *pgxpool.Pool
}

func NewPgRelationshipRepository(pool *pgxpool.Pool) *PgRelationshipRepository {
	return &PgRelationshipRepository{pool: pool}
}

const relationshipColumns = `
	persona1_id, persona2_id, affinity, trust, respect, intimacy, relationship_type,
	interaction_count, total_interaction_time, first_meeting, last_interaction,
	memorable_moments, conflict_history, recent_quality, created_at, updated_at, id
`

func (r *PgRelationshipRepository) Get(ctx context.Context, a, b string) (domain.Relationship, error) {
	p1, p2 := domain.CanonicalPair(a, b)
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE persona1_id = $1 AND persona2_id = $2`
	rel, err := scanRelationship(r.pool.QueryRow(ctx, query, p1, p2))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Relationship{}, fmt.Errorf("relationship %s/%s: %w", p1, p2, domain.ErrNotFound)
	}
	return rel, err
}

func (r *PgRelationshipRepository) Upsert(ctx context.Context, rel domain.Relationship) error {
	rel.Persona1ID, rel.Persona2ID = domain.CanonicalPair(rel.Persona1ID, rel.Persona2ID)
	moments, err := json.Marshal(emptyIfNil(rel.MemorableMoments))
	if err != nil {
		return fmt.Errorf("marshal moments: %w", err)
	}
	conflicts, err := json.Marshal(emptyIfNil(rel.ConflictHistory))
	if err != nil {
		return fmt.Errorf("marshal conflicts: %w", err)
	}

	const query = `
		INSERT INTO relationships (persona1_id, persona2_id, affinity, trust, respect, intimacy, relationship_type,
			interaction_count, total_interaction_time, first_meeting, last_interaction,
			memorable_moments, conflict_history, recent_quality, created_at, updated_at, id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (persona1_id, persona2_id) DO UPDATE SET
			affinity = EXCLUDED.affinity,
			trust = EXCLUDED.trust,
			respect = EXCLUDED.respect,
			intimacy = EXCLUDED.intimacy,
			relationship_type = EXCLUDED.relationship_type,
			interaction_count = EXCLUDED.interaction_count,
			total_interaction_time = EXCLUDED.total_interaction_time,
			last_interaction = EXCLUDED.last_interaction,
			memorable_moments = EXCLUDED.memorable_moments,
			conflict_history = EXCLUDED.conflict_history,
			recent_quality = EXCLUDED.recent_quality,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.pool.Exec(ctx, query,
		rel.Persona1ID, rel.Persona2ID, rel.Affinity, rel.Trust, rel.Respect, rel.Intimacy, string(rel.Type),
		rel.InteractionCount, rel.TotalInteractionTime, rel.FirstMeeting, rel.LastInteraction,
		moments, conflicts, rel.RecentQuality, rel.CreatedAt, rel.UpdatedAt, rel.ID,
	)
	return err
}

func (r *PgRelationshipRepository) ListByPersona(ctx context.Context, personaID string) ([]domain.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE persona1_id = $1 OR persona2_id = $1 ORDER BY last_interaction DESC`
	rows, err := r.pool.Query(ctx, query, personaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

func (r *PgRelationshipRepository) LogInteraction(ctx context.Context, rec InteractionRecord) error {
	p1, p2 := domain.CanonicalPair(rec.Persona1ID, rec.Persona2ID)
	const query = `
		INSERT INTO interaction_history (persona1_id, persona2_id, interaction_quality, duration_minutes, context, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query, p1, p2, rec.Quality, rec.DurationMinutes, rec.Context, rec.Timestamp)
	return err
}

func (r *PgRelationshipRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM relationships`).Scan(&n)
	return n, err
}

func scanRelationship(row scannable) (domain.Relationship, error) {
	var (
		rel       domain.Relationship
		relType   string
		moments   []byte
		conflicts []byte
	)
	if err := row.Scan(
		&rel.Persona1ID, &rel.Persona2ID, &rel.Affinity, &rel.Trust, &rel.Respect, &rel.Intimacy, &relType,
		&rel.InteractionCount, &rel.TotalInteractionTime, &rel.FirstMeeting, &rel.LastInteraction,
		&moments, &conflicts, &rel.RecentQuality, &rel.CreatedAt, &rel.UpdatedAt, &rel.ID,
	); err != nil {
		return domain.Relationship{}, err
	}
	rel.Type = domain.RelationshipType(relType)
	if err := json.Unmarshal(moments, &rel.MemorableMoments); err != nil {
		return domain.Relationship{}, fmt.Errorf("unmarshal moments: %w", err)
	}
	if err := json.Unmarshal(conflicts, &rel.ConflictHistory); err != nil {
		return domain.Relationship{}, fmt.Errorf("unmarshal conflicts: %w", err)
	}
	return rel, nil
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

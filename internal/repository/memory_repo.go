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

// MemoryStats resume la colección de memorias de una persona.
type MemoryStats struct {
	PersonaID      string         `json:"persona_id"`
	Total          int            `json:"total"`
	CountsByType   map[string]int `json:"counts_by_type"`
	MeanImportance float64        `json:"mean_importance"`
	CreatedToday   int            `json:"created_today"`
}

// MemoryIndexRepository es el índice estructurado de memorias. El
// contenido y el embedding viven en el vector store; aquí vive todo lo
// que el decay, el pruning y las estadísticas necesitan barrer.
type MemoryIndexRepository interface {
	Insert(ctx context.Context, m domain.Memory) error
	Get(ctx context.Context, id string) (domain.Memory, error)
	ListByPersona(ctx context.Context, personaID string) ([]domain.Memory, error)
	CountByPersona(ctx context.Context, personaID string) (int, error)
	ListPersonaIDs(ctx context.Context) ([]string, error)
	SetImportance(ctx context.Context, id string, importance float64) error
	TouchAccess(ctx context.Context, ids []string, at time.Time) error
	Delete(ctx context.Context, ids []string) error
	DeleteByPersona(ctx context.Context, personaID string) (int, error)
	Stats(ctx context.Context, personaID string) (MemoryStats, error)
	CountAll(ctx context.Context) (int, error)
}

type PgMemoryIndexRepository struct {
	pool *pgxpool.Pool
}

func NewPgMemoryIndexRepository(pool *pgxpool.Pool) *PgMemoryIndexRepository {
	return &PgMemoryIndexRepository{pool: pool}
}

func (r *PgMemoryIndexRepository) Insert(ctx context.Context, m domain.Memory) error {
	related, err := json.Marshal(emptyIfNil(m.RelatedPersonas))
	if err != nil {
		return fmt.Errorf("marshal related personas: %w", err)
	}
	metadata, err := json.Marshal(emptyMapIfNil(m.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Upsert por id: el id de memoria es la clave de idempotencia para
	// reintentos tras fallos parciales del doble write.
	const query = `
		INSERT INTO memories (id, persona_id, content, memory_type, importance, emotional_valence,
			related_personas, visibility, metadata, created_at, accessed_count, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET importance = EXCLUDED.importance
	`
	_, err = r.pool.Exec(ctx, query,
		m.ID, m.PersonaID, m.Content, string(m.Type), m.Importance, m.EmotionalValence,
		related, string(m.Visibility), metadata, m.CreatedAt, m.AccessedCount, m.LastAccessed,
	)
	return err
}

const memoryColumns = `
	id, persona_id, content, memory_type, importance, emotional_valence,
	related_personas, visibility, metadata, created_at, accessed_count, last_accessed
`

func (r *PgMemoryIndexRepository) Get(ctx context.Context, id string) (domain.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id = $1`
	m, err := scanMemory(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Memory{}, fmt.Errorf("memory %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

func (r *PgMemoryIndexRepository) ListByPersona(ctx context.Context, personaID string) ([]domain.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE persona_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, personaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (r *PgMemoryIndexRepository) CountByPersona(ctx context.Context, personaID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE persona_id = $1`, personaID).Scan(&n)
	return n, err
}

func (r *PgMemoryIndexRepository) ListPersonaIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT persona_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgMemoryIndexRepository) SetImportance(ctx context.Context, id string, importance float64) error {
	_, err := r.pool.Exec(ctx, `UPDATE memories SET importance = $2 WHERE id = $1`, id, importance)
	return err
}

func (r *PgMemoryIndexRepository) TouchAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE memories SET accessed_count = accessed_count + 1, last_accessed = $2 WHERE id = ANY($1)`,
		ids, at,
	)
	return err
}

func (r *PgMemoryIndexRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = ANY($1)`, ids)
	return err
}

func (r *PgMemoryIndexRepository) DeleteByPersona(ctx context.Context, personaID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE persona_id = $1`, personaID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgMemoryIndexRepository) Stats(ctx context.Context, personaID string) (MemoryStats, error) {
	stats := MemoryStats{PersonaID: personaID, CountsByType: map[string]int{}}

	rows, err := r.pool.Query(ctx,
		`SELECT memory_type, COUNT(*), AVG(importance) FROM memories WHERE persona_id = $1 GROUP BY memory_type`,
		personaID,
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var (
			mt   string
			n    int
			mean float64
		)
		if err := rows.Scan(&mt, &n, &mean); err != nil {
			return stats, err
		}
		stats.CountsByType[mt] = n
		stats.Total += n
		weighted += mean * float64(n)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.Total > 0 {
		stats.MeanImportance = weighted / float64(stats.Total)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE persona_id = $1 AND created_at >= date_trunc('day', now())`,
		personaID,
	).Scan(&stats.CreatedToday)
	return stats, err
}

func (r *PgMemoryIndexRepository) CountAll(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

func scanMemory(row scannable) (domain.Memory, error) {
	var (
		m          domain.Memory
		memType    string
		related    []byte
		visibility string
		metadata   []byte
	)
	if err := row.Scan(
		&m.ID, &m.PersonaID, &m.Content, &memType, &m.Importance, &m.EmotionalValence,
		&related, &visibility, &metadata, &m.CreatedAt, &m.AccessedCount, &m.LastAccessed,
	); err != nil {
		return domain.Memory{}, err
	}
	m.Type = domain.MemoryType(memType)
	m.Visibility = domain.Visibility(visibility)
	if err := json.Unmarshal(related, &m.RelatedPersonas); err != nil {
		return domain.Memory{}, fmt.Errorf("unmarshal related personas: %w", err)
	}
	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return domain.Memory{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]domain.Memory, error) {
	var memories []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"persona-mcp/internal/domain"
)

// VectorDocument es una memoria tal como vive en el vector store.
type VectorDocument struct {
	ID               string
	Collection       string
	Content          string
	Embedding        pgvector.Vector
	Type             domain.MemoryType
	Importance       float64
	EmotionalValence float64
	RelatedPersonas  string // ids unidos por coma
	Visibility       domain.Visibility
	CreatedAt        time.Time
	AccessedCount    int
	Similarity       float64 // solo en resultados
}

// CollectionFor deriva el nombre determinístico de la colección de una persona.
func CollectionFor(personaID string) string {
	return "persona_" + personaID
}

// VectorRepository es el store de memoria direccionable por contenido.
// Las búsquedas nunca combinan visibilidades con OR: el caller emite una
// consulta por visibilidad y fusiona.
type VectorRepository interface {
	Upsert(ctx context.Context, doc VectorDocument) error
	Search(ctx context.Context, collection string, query pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]VectorDocument, error)
	SearchAllCollectionsExcept(ctx context.Context, excluded string, query pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]VectorDocument, error)
	SetImportance(ctx context.Context, id string, importance float64) error
	TouchAccess(ctx context.Context, ids []string) error
	Delete(ctx context.Context, ids []string) error
	DeleteCollection(ctx context.Context, collection string) (int, error)
	CountByVisibility(ctx context.Context, visibility domain.Visibility) (int, error)
}

type PgVectorRepository struct {
	pool *pgxpool.Pool
}

func NewPgVectorRepository(pool *pgxpool.Pool) *PgVectorRepository {
	return &PgVectorRepository{pool: pool}
}

func (r *PgVectorRepository) Upsert(ctx context.Context, doc VectorDocument) error {
	const query = `
		INSERT INTO memory_vectors (id, collection, content, embedding, memory_type, importance,
			emotional_valence, related_personas, visibility, created_at, accessed_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET importance = EXCLUDED.importance
	`
	_, err := r.pool.Exec(ctx, query,
		doc.ID, doc.Collection, doc.Content, doc.Embedding, string(doc.Type), doc.Importance,
		doc.EmotionalValence, doc.RelatedPersonas, string(doc.Visibility), doc.CreatedAt, doc.AccessedCount,
	)
	return err
}

const vectorSearchColumns = `
	id, collection, content, memory_type, importance, emotional_valence,
	related_personas, visibility, created_at, accessed_count
`

func (r *PgVectorRepository) Search(ctx context.Context, collection string, query pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]VectorDocument, error) {
	if k <= 0 {
		k = 5
	}
	sql := `
		SELECT ` + vectorSearchColumns + `, 1 - (embedding <=> $2) AS similarity
		FROM memory_vectors
		WHERE collection = $1 AND importance >= $3
	`
	args := []interface{}{collection, query, minImportance}
	if visibility != "" {
		sql += ` AND visibility = $4`
		args = append(args, string(visibility))
	}
	sql += fmt.Sprintf(` ORDER BY embedding <=> $2 LIMIT %d`, k)

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVectorDocs(rows)
}

func (r *PgVectorRepository) SearchAllCollectionsExcept(ctx context.Context, excluded string, query pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]VectorDocument, error) {
	if k <= 0 {
		k = 5
	}
	sql := `
		SELECT ` + vectorSearchColumns + `, 1 - (embedding <=> $2) AS similarity
		FROM memory_vectors
		WHERE collection <> $1 AND importance >= $3 AND visibility = $4
		ORDER BY embedding <=> $2
		LIMIT ` + fmt.Sprintf("%d", k)

	rows, err := r.pool.Query(ctx, sql, excluded, query, minImportance, string(visibility))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVectorDocs(rows)
}

func (r *PgVectorRepository) SetImportance(ctx context.Context, id string, importance float64) error {
	_, err := r.pool.Exec(ctx, `UPDATE memory_vectors SET importance = $2 WHERE id = $1`, id, importance)
	return err
}

func (r *PgVectorRepository) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE memory_vectors SET accessed_count = accessed_count + 1 WHERE id = ANY($1)`, ids)
	return err
}

func (r *PgVectorRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM memory_vectors WHERE id = ANY($1)`, ids)
	return err
}

func (r *PgVectorRepository) DeleteCollection(ctx context.Context, collection string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memory_vectors WHERE collection = $1`, collection)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgVectorRepository) CountByVisibility(ctx context.Context, visibility domain.Visibility) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_vectors WHERE visibility = $1`, string(visibility)).Scan(&n)
	return n, err
}

// pgxRows is a minimal interface to allow scanning from pgx rows and simplify testing.
type pgxRows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
	Close()
}

func scanVectorDocs(rows pgxRows) ([]VectorDocument, error) {
	var docs []VectorDocument
	for rows.Next() {
		var (
			doc        VectorDocument
			memType    string
			visibility string
		)
		if err := rows.Scan(
			&doc.ID, &doc.Collection, &doc.Content, &memType, &doc.Importance, &doc.EmotionalValence,
			&doc.RelatedPersonas, &visibility, &doc.CreatedAt, &doc.AccessedCount, &doc.Similarity,
		); err != nil {
			return nil, err
		}
		doc.Type = domain.MemoryType(memType)
		doc.Visibility = domain.Visibility(visibility)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// JoinRelated serializa ids relacionados para la metadata del vector store.
func JoinRelated(ids []string) string {
	return strings.Join(ids, ",")
}

// SplitRelated deserializa la metadata de ids relacionados.
func SplitRelated(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

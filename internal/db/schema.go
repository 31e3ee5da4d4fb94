package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDim es la dimensión fija de los embeddings almacenados.
const EmbeddingDim = 768

// schemaStatements define el esquema completo. Idempotente: todo usa
// IF NOT EXISTS para permitir bootstrap en cada arranque.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		personality_traits JSONB NOT NULL DEFAULT '{}',
		topic_preferences JSONB NOT NULL DEFAULT '{}',
		charisma INT NOT NULL DEFAULT 10,
		intelligence INT NOT NULL DEFAULT 10,
		social_rank TEXT NOT NULL DEFAULT 'commoner',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS persona_interaction_states (
		persona_id TEXT PRIMARY KEY REFERENCES personas(id) ON DELETE CASCADE,
		interest_level DOUBLE PRECISION NOT NULL DEFAULT 50,
		interaction_fatigue DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_priority TEXT NOT NULL DEFAULT 'none',
		available_time DOUBLE PRECISION NOT NULL DEFAULT 3600,
		social_energy DOUBLE PRECISION NOT NULL DEFAULT 100,
		cooldown_until TIMESTAMPTZ,
		last_updated TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS relationships (
		persona1_id TEXT NOT NULL,
		persona2_id TEXT NOT NULL,
		affinity DOUBLE PRECISION NOT NULL DEFAULT 0,
		trust DOUBLE PRECISION NOT NULL DEFAULT 0,
		respect DOUBLE PRECISION NOT NULL DEFAULT 0,
		intimacy DOUBLE PRECISION NOT NULL DEFAULT 0,
		relationship_type TEXT NOT NULL DEFAULT 'stranger',
		interaction_count INT NOT NULL DEFAULT 0,
		total_interaction_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_meeting TIMESTAMPTZ NOT NULL,
		last_interaction TIMESTAMPTZ NOT NULL,
		memorable_moments JSONB NOT NULL DEFAULT '[]',
		conflict_history JSONB NOT NULL DEFAULT '[]',
		recent_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		id TEXT NOT NULL,
		PRIMARY KEY (persona1_id, persona2_id)
	)`,

	`CREATE TABLE IF NOT EXISTS emotional_states (
		persona_id TEXT PRIMARY KEY REFERENCES personas(id) ON DELETE CASCADE,
		mood DOUBLE PRECISION NOT NULL DEFAULT 0,
		energy_level DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		stress_level DOUBLE PRECISION NOT NULL DEFAULT 0.2,
		curiosity DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		social_battery DOUBLE PRECISION NOT NULL DEFAULT 0.8,
		last_updated TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS interaction_history (
		id BIGSERIAL PRIMARY KEY,
		persona1_id TEXT NOT NULL,
		persona2_id TEXT NOT NULL,
		interaction_quality DOUBLE PRECISION NOT NULL,
		duration_minutes DOUBLE PRECISION NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		emotional_impact JSONB NOT NULL DEFAULT '{}',
		memory_references JSONB NOT NULL DEFAULT '[]',
		timestamp TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants JSONB NOT NULL,
		current_speaker TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		topic_drift_count INT NOT NULL DEFAULT 0,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		token_budget INT NOT NULL DEFAULT 0,
		tokens_used INT NOT NULL DEFAULT 0,
		continue_score INT NOT NULL DEFAULT 0,
		score_history JSONB NOT NULL DEFAULT '[]',
		turn_count INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		exit_reason TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		speaker_id TEXT NOT NULL,
		turn_number INT NOT NULL,
		content TEXT NOT NULL,
		response_type TEXT NOT NULL,
		continue_score INT NOT NULL,
		tokens_used INT NOT NULL,
		processing_time DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		importance DOUBLE PRECISION NOT NULL,
		emotional_valence DOUBLE PRECISION NOT NULL DEFAULT 0,
		related_personas JSONB NOT NULL DEFAULT '[]',
		visibility TEXT NOT NULL DEFAULT 'private',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		accessed_count INT NOT NULL DEFAULT 0,
		last_accessed TIMESTAMPTZ
	)`,

	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		memory_type TEXT NOT NULL,
		importance DOUBLE PRECISION NOT NULL,
		emotional_valence DOUBLE PRECISION NOT NULL DEFAULT 0,
		related_personas TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'private',
		created_at TIMESTAMPTZ NOT NULL,
		accessed_count INT NOT NULL DEFAULT 0
	)`, EmbeddingDim),

	`CREATE INDEX IF NOT EXISTS idx_relationships_pair ON relationships (persona1_id, persona2_id)`,
	`CREATE INDEX IF NOT EXISTS idx_emotional_states_persona ON emotional_states (persona_id)`,
	`CREATE INDEX IF NOT EXISTS idx_interaction_history_pair ON interaction_history (persona1_id, persona2_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_persona ON memories (persona_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_vectors_collection ON memory_vectors (collection)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_turns_conv ON conversation_turns (conversation_id, turn_number)`,
}

// EnsureSchema crea tablas e índices si no existen.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

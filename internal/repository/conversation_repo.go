package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"persona-mcp/internal/domain"
)

// ConversationRepository persiste conversaciones y sus turnos.
type ConversationRepository interface {
	Create(ctx context.Context, conv domain.Conversation) error
	Get(ctx context.Context, id string) (domain.Conversation, error)
	Update(ctx context.Context, conv domain.Conversation) error
	AddTurn(ctx context.Context, turn domain.ConversationTurn) error
	ListTurns(ctx context.Context, conversationID string) ([]domain.ConversationTurn, error)
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

func (r *PgConversationRepository) Create(ctx context.Context, conv domain.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	history, err := json.Marshal(emptyIntsIfNil(conv.ScoreHistory))
	if err != nil {
		return fmt.Errorf("marshal score history: %w", err)
	}

	const query = `
		INSERT INTO conversations (id, participants, current_speaker, topic, topic_drift_count, duration,
			max_duration, token_budget, tokens_used, continue_score, score_history, turn_count, started_at, ended_at, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.pool.Exec(ctx, query,
		conv.ID, participants, conv.CurrentSpeaker, conv.Topic, conv.TopicDriftCount, conv.Duration,
		conv.MaxDuration, conv.TokenBudget, conv.TokensUsed, conv.ContinueScore, history, conv.TurnCount,
		conv.StartedAt, conv.EndedAt, nullString(conv.ExitReason),
	)
	return err
}

func (r *PgConversationRepository) Get(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT id, participants, current_speaker, topic, topic_drift_count, duration,
		       max_duration, token_budget, tokens_used, continue_score, score_history, turn_count, started_at, ended_at, exit_reason
		FROM conversations
		WHERE id = $1
	`
	var (
		conv         domain.Conversation
		participants []byte
		history      []byte
		exitReason   *string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID, &participants, &conv.CurrentSpeaker, &conv.Topic, &conv.TopicDriftCount, &conv.Duration,
		&conv.MaxDuration, &conv.TokenBudget, &conv.TokensUsed, &conv.ContinueScore, &history, &conv.TurnCount,
		&conv.StartedAt, &conv.EndedAt, &exitReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := json.Unmarshal(participants, &conv.Participants); err != nil {
		return domain.Conversation{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	if err := json.Unmarshal(history, &conv.ScoreHistory); err != nil {
		return domain.Conversation{}, fmt.Errorf("unmarshal score history: %w", err)
	}
	if exitReason != nil {
		conv.ExitReason = *exitReason
	}
	return conv, nil
}

func (r *PgConversationRepository) Update(ctx context.Context, conv domain.Conversation) error {
	history, err := json.Marshal(emptyIntsIfNil(conv.ScoreHistory))
	if err != nil {
		return fmt.Errorf("marshal score history: %w", err)
	}
	const query = `
		UPDATE conversations
		SET current_speaker = $2, topic = $3, topic_drift_count = $4, duration = $5,
		    tokens_used = $6, continue_score = $7, score_history = $8, turn_count = $9,
		    ended_at = $10, exit_reason = $11
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		conv.ID, conv.CurrentSpeaker, conv.Topic, conv.TopicDriftCount, conv.Duration,
		conv.TokensUsed, conv.ContinueScore, history, conv.TurnCount,
		conv.EndedAt, nullString(conv.ExitReason),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *PgConversationRepository) AddTurn(ctx context.Context, turn domain.ConversationTurn) error {
	const query = `
		INSERT INTO conversation_turns (id, conversation_id, speaker_id, turn_number, content,
			response_type, continue_score, tokens_used, processing_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		turn.ID, turn.ConversationID, turn.SpeakerID, turn.TurnNumber, turn.Content,
		string(turn.ResponseType), turn.ContinueScore, turn.TokensUsed, turn.ProcessingTime, turn.CreatedAt,
	)
	return err
}

func (r *PgConversationRepository) ListTurns(ctx context.Context, conversationID string) ([]domain.ConversationTurn, error) {
	const query = `
		SELECT id, conversation_id, speaker_id, turn_number, content, response_type, continue_score, tokens_used, processing_time, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY turn_number
	`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var (
			turn     domain.ConversationTurn
			respType string
		)
		if err := rows.Scan(
			&turn.ID, &turn.ConversationID, &turn.SpeakerID, &turn.TurnNumber, &turn.Content,
			&respType, &turn.ContinueScore, &turn.TokensUsed, &turn.ProcessingTime, &turn.CreatedAt,
		); err != nil {
			return nil, err
		}
		turn.ResponseType = domain.ResponseType(respType)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func emptyIntsIfNil(xs []int) []int {
	if xs == nil {
		return []int{}
	}
	return xs
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

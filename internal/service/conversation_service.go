package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/repository"
)

// Umbrales de tier de generación.
const (
	tierFullHigh    = 80
	tierFullLow     = 60
	tierConstrained = 40
)

// ConversationService orquesta el ciclo completo de un turno: scoring,
// selección de tier, generación, costes y efectos colaterales.
type ConversationService struct {
	cfg           *config.Config
	logger        *zap.Logger
	conversations repository.ConversationRepository
	personas      *PersonaService
	memories      *MemoryService
	relationships *RelationshipService
	emotional     *EmotionalService
	engine        *ContinueScoreEngine
	scorer        ImportanceScorer
	client        llm.Client
}

func NewConversationService(
	cfg *config.Config,
	logger *zap.Logger,
	conversations repository.ConversationRepository,
	personas *PersonaService,
	memories *MemoryService,
	relationships *RelationshipService,
	emotional *EmotionalService,
	engine *ContinueScoreEngine,
	client llm.Client,
) *ConversationService {
	return &ConversationService{
		cfg:           cfg,
		logger:        logger,
		conversations: conversations,
		personas:      personas,
		memories:      memories,
		relationships: relationships,
		emotional:     emotional,
		engine:        engine,
		client:        client,
	}
}

// InitiateInput son los parámetros de apertura de una conversación.
type InitiateInput struct {
	InitiatorID string
	TargetID    string
	Topic       string
	MaxDuration float64 // segundos; <= 0 => sin tope
	TokenBudget int     // <= 0 => presupuesto configurado
}

// Initiate abre una conversación entre dos personas disponibles.
func (s *ConversationService) Initiate(ctx context.Context, in InitiateInput) (domain.Conversation, error) {
	if in.InitiatorID == "" || in.TargetID == "" || in.InitiatorID == in.TargetID {
		return domain.Conversation{}, fmt.Errorf("two distinct participants required: %w", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	initiator, err := s.personas.Get(ctx, in.InitiatorID)
	if err != nil {
		return domain.Conversation{}, err
	}
	target, err := s.personas.Get(ctx, in.TargetID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !initiator.State.IsAvailable(now) {
		return domain.Conversation{}, fmt.Errorf("%s is not available: %w", initiator.Name, domain.ErrUnavailable)
	}
	if !target.State.IsAvailable(now) {
		return domain.Conversation{}, fmt.Errorf("%s is not available: %w", target.Name, domain.ErrUnavailable)
	}

	rel, err := s.relationships.GetOrCreate(ctx, in.InitiatorID, in.TargetID)
	if err != nil {
		return domain.Conversation{}, err
	}

	budget := in.TokenBudget
	if budget <= 0 {
		budget = s.cfg.ConversationTokenBudget
	}
	maxDuration := in.MaxDuration
	if maxDuration < 0 {
		maxDuration = 0
	}
	conv := domain.Conversation{
		ID:             uuid.NewString(),
		Participants:   []string{in.InitiatorID, in.TargetID},
		CurrentSpeaker: in.TargetID, // el destinatario responde primero
		Topic:          in.Topic,
		MaxDuration:    maxDuration,
		TokenBudget:    budget,
		StartedAt:      now,
	}
	conv.ContinueScore = s.engine.Score(&target, &initiator, &conv, &rel).Total
	conv.ScoreHistory = append(conv.ScoreHistory, conv.ContinueScore)

	if err := s.conversations.Create(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation started",
		zap.String("conversation_id", conv.ID),
		zap.String("initiator", in.InitiatorID),
		zap.String("target", in.TargetID),
		zap.Int("initial_score", conv.ContinueScore))
	return conv, nil
}

// TurnInput son los parámetros de un turno entrante.
type TurnInput struct {
	ConversationID string
	Message        string
	Topic          string // no vacío y distinto => deriva temática
}

// TurnResult es el turno confirmado más el estado de la conversación.
type TurnResult struct {
	Turn         domain.ConversationTurn `json:"turn"`
	Conversation domain.Conversation     `json:"conversation"`
	Breakdown    ScoreBreakdown          `json:"score_breakdown"`
	Ended        bool                    `json:"ended"`
	ExitReason   string                  `json:"exit_reason,omitempty"`
}

// ProcessTurn ejecuta el pipeline completo de un turno del hablante
// actual. Los costes solo se aplican sobre turnos confirmados.
func (s *ConversationService) ProcessTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	started := time.Now()

	conv, err := s.conversations.Get(ctx, in.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if !conv.Active() {
		return TurnResult{}, fmt.Errorf("conversation %s already ended: %w", conv.ID, domain.ErrInvalidInput)
	}

	speakerID := conv.CurrentSpeaker
	listenerID := conv.Other(speakerID)
	speaker, err := s.personas.Get(ctx, speakerID)
	if err != nil {
		return TurnResult{}, err
	}
	listener, err := s.personas.Get(ctx, listenerID)
	if err != nil {
		return TurnResult{}, err
	}

	if in.Topic != "" && !strings.EqualFold(in.Topic, conv.Topic) {
		conv.Topic = in.Topic
		conv.TopicDriftCount++
	}

	rel, err := s.relationships.GetOrCreate(ctx, speakerID, listenerID)
	if err != nil {
		return TurnResult{}, err
	}

	breakdown := s.engine.Score(&speaker, &listener, &conv, &rel)
	score := breakdown.Total
	responseType, constraints := selectTier(score)

	content, responseType := s.generate(ctx, generateInput{
		speaker:      &speaker,
		listener:     &listener,
		rel:          &rel,
		conv:         &conv,
		message:      in.Message,
		responseType: responseType,
		constraints:  constraints,
	})

	processing := time.Since(started).Seconds()
	tokens := turnTokens(content, responseType)

	turn := domain.ConversationTurn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SpeakerID:      speakerID,
		TurnNumber:     conv.TurnCount + 1,
		Content:        content,
		ResponseType:   responseType,
		ContinueScore:  score,
		TokensUsed:     tokens,
		ProcessingTime: processing,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.conversations.AddTurn(ctx, turn); err != nil {
		return TurnResult{}, fmt.Errorf("persist turn: %w", err)
	}

	turnSeconds := math.Max(30, processing)
	conv.Duration += turnSeconds
	conv.TokensUsed += tokens
	conv.ContinueScore = score
	conv.ScoreHistory = append(conv.ScoreHistory, score)
	conv.TurnCount++
	conv.CurrentSpeaker = listenerID

	s.engine.ApplyTurnCost(&speaker.State, &listener.State, turnSeconds, time.Now().UTC())
	if err := s.personas.SaveState(ctx, speakerID, speaker.State); err != nil {
		s.logger.Warn("persist speaker state", zap.Error(err))
	}
	if err := s.personas.SaveState(ctx, listenerID, listener.State); err != nil {
		s.logger.Warn("persist listener state", zap.Error(err))
	}

	s.applySideEffects(ctx, &conv, &speaker, &listener, turn, score)

	result := TurnResult{Turn: turn, Conversation: conv, Breakdown: breakdown}
	if !conv.ShouldContinue() {
		reason := "natural_conclusion"
		switch {
		case conv.TokenBudget-conv.TokensUsed <= s.cfg.PersonaLowTokenBudget:
			reason = "token_budget_exhausted"
		case conv.MaxDuration > 0 && conv.Duration >= conv.MaxDuration:
			reason = "max_duration_reached"
		}
		ended, err := s.finish(ctx, conv, reason)
		if err != nil {
			return TurnResult{}, err
		}
		result.Conversation = ended
		result.Ended = true
		result.ExitReason = reason
		return result, nil
	}

	if err := s.conversations.Update(ctx, conv); err != nil {
		return TurnResult{}, fmt.Errorf("update conversation: %w", err)
	}
	return result, nil
}

// End cierra la conversación explícitamente.
func (s *ConversationService) End(ctx context.Context, conversationID, reason string) (domain.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.Active() {
		return conv, nil
	}
	if reason == "" {
		reason = "explicit_end"
	}
	return s.finish(ctx, conv, reason)
}

// Status devuelve la conversación y sus turnos.
func (s *ConversationService) Status(ctx context.Context, conversationID string) (domain.Conversation, []domain.ConversationTurn, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	turns, err := s.conversations.ListTurns(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	return conv, turns, nil
}

type generateInput struct {
	speaker      *domain.Persona
	listener     *domain.Persona
	rel          *domain.Relationship
	conv         *domain.Conversation
	message      string
	responseType domain.ResponseType
	constraints  llm.Constraints
}

// generate produce el contenido del turno según el tier. El tier
// template nunca toca el backend; un fallo del backend degrada a
// template y el turno se confirma igual.
func (s *ConversationService) generate(ctx context.Context, in generateInput) (string, domain.ResponseType) {
	if in.responseType == domain.ResponseTemplate {
		return llm.FallbackResponse(in.speaker.State.CurrentPriority, in.speaker.State.SocialEnergy, in.message), domain.ResponseTemplate
	}

	var emotional *domain.EmotionalState
	if state, err := s.emotional.GetOrCreate(ctx, in.speaker.ID); err == nil {
		emotional = &state
	}

	var memories []domain.Memory
	if in.message != "" {
		found, err := s.memories.Search(ctx, SearchInput{
			PersonaID:     in.speaker.ID,
			Query:         in.message,
			Limit:         s.cfg.MemorySearchDefaultLimit,
			MinImportance: s.cfg.MemoryImportanceThreshold,
		})
		if err != nil {
			s.logger.Warn("memory retrieval for prompt failed", zap.Error(err))
		} else {
			memories = found
		}
	}

	turns, err := s.conversations.ListTurns(ctx, in.conv.ID)
	if err != nil {
		s.logger.Warn("turn history for prompt failed", zap.Error(err))
	}
	if max := s.cfg.SessionMaxContextMessages; max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}

	prompt := BuildTurnPrompt(PromptContext{
		Speaker:     in.speaker,
		Listener:    in.listener,
		Relation:    in.rel,
		Emotional:   emotional,
		Memories:    memories,
		RecentTurns: turns,
		Topic:       in.conv.Topic,
		Message:     in.message,
		Constraints: in.constraints,
	})

	content, err := s.client.Generate(ctx, prompt, in.constraints)
	if err != nil {
		s.logger.Warn("generation failed, degrading to template",
			zap.String("conversation_id", in.conv.ID), zap.Error(err))
		return llm.FallbackResponse(in.speaker.State.CurrentPriority, in.speaker.State.SocialEnergy, in.message), domain.ResponseTemplate
	}
	return strings.TrimSpace(content), in.responseType
}

// applySideEffects actualiza vínculo, estado emocional y memorias a
// partir del turno confirmado. Best-effort: ningún fallo aquí revierte
// el turno.
func (s *ConversationService) applySideEffects(ctx context.Context, conv *domain.Conversation, speaker, listener *domain.Persona, turn domain.ConversationTurn, score int) {
	quality := clampF(float64(score-50)/50, -1, 1)
	minutes := math.Max(30, turn.ProcessingTime) / 60

	if _, err := s.relationships.ProcessInteraction(ctx, speaker.ID, listener.ID, quality, minutes, "casual"); err != nil {
		s.logger.Warn("relationship update failed", zap.Error(err))
	}

	significance := math.Min(0.1, float64(score)/1000)
	if _, err := s.emotional.ApplyInteractionEffect(ctx, speaker.ID, quality, significance); err != nil {
		s.logger.Warn("emotional update failed", zap.String("persona_id", speaker.ID), zap.Error(err))
	}
	if _, err := s.emotional.ApplyInteractionEffect(ctx, listener.ID, quality, significance); err != nil {
		s.logger.Warn("emotional update failed", zap.String("persona_id", listener.ID), zap.Error(err))
	}

	content := fmt.Sprintf("Talked with %s about %s: %s", listener.Name, conv.Topic, turn.Content)
	speakerImp := s.scorer.Score(turn.Content, speaker, domain.MemConversation, ScoreContext{
		ContinueScore: score,
		Topic:         conv.Topic,
		TurnNumber:    turn.TurnNumber,
	})
	if _, err := s.memories.Store(ctx, StoreInput{
		PersonaID:        speaker.ID,
		Content:          content,
		Type:             domain.MemConversation,
		Importance:       speakerImp,
		EmotionalValence: quality,
		RelatedPersonas:  []string{listener.ID},
		Visibility:       domain.VisibilityPrivate,
	}); err != nil {
		s.logger.Warn("speaker memory write failed", zap.Error(err))
	}
	if _, err := s.memories.Store(ctx, StoreInput{
		PersonaID:        listener.ID,
		Content:          fmt.Sprintf("%s told me: %s", speaker.Name, turn.Content),
		Type:             domain.MemConversation,
		Importance:       clampF(speakerImp*0.8, 0.1, 1.0),
		EmotionalValence: quality,
		RelatedPersonas:  []string{speaker.ID},
		Visibility:       domain.VisibilityPrivate,
	}); err != nil {
		s.logger.Warn("listener memory write failed", zap.Error(err))
	}
}

// finish cierra la conversación y pone en cooldown a ambos participantes.
func (s *ConversationService) finish(ctx context.Context, conv domain.Conversation, reason string) (domain.Conversation, error) {
	now := time.Now().UTC()
	conv.EndedAt = &now
	conv.ExitReason = reason
	if err := s.conversations.Update(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("close conversation: %w", err)
	}

	for _, personaID := range conv.Participants {
		p, err := s.personas.Get(ctx, personaID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("load participant for cooldown", zap.Error(err))
			}
			continue
		}
		cooldown := s.engine.Cooldown(conv.ContinueScore, p.State.InteractionFatigue)
		p.State.CooldownUntil = now.Add(cooldown)
		p.State.LastUpdated = now
		if err := s.personas.SaveState(ctx, personaID, p.State); err != nil {
			s.logger.Warn("persist cooldown", zap.String("persona_id", personaID), zap.Error(err))
		}
	}

	s.logger.Info("conversation ended",
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason),
		zap.Int("turns", conv.TurnCount),
		zap.Int("final_score", conv.ContinueScore))
	return conv, nil
}

// ChatPrep es un chat de usuario listo para generar: prompt armado y
// tier decidido, sin efectos aplicados todavía.
type ChatPrep struct {
	Persona      domain.Persona
	Prompt       string
	Constraints  llm.Constraints
	ResponseType domain.ResponseType
	Score        int
}

// ChatResult es la respuesta confirmada de un chat de usuario.
type ChatResult struct {
	PersonaID      string              `json:"persona_id"`
	Response       string              `json:"response"`
	ResponseType   domain.ResponseType `json:"response_type"`
	Score          int                 `json:"continue_score"`
	TokensUsed     int                 `json:"tokens_used"`
	ProcessingTime float64             `json:"processing_time"` // segundos
}

// PrepareChat arma el turno de un chat usuario→persona: valida
// disponibilidad, calcula el score de engagement y construye el prompt.
// Los efectos se aplican recién en CommitChat, para que el camino de
// streaming pueda generar entre medio.
func (s *ConversationService) PrepareChat(ctx context.Context, personaID, message string) (ChatPrep, error) {
	if personaID == "" || message == "" {
		return ChatPrep{}, fmt.Errorf("persona_id and message are required: %w", domain.ErrInvalidInput)
	}
	now := time.Now().UTC()
	persona, err := s.personas.Get(ctx, personaID)
	if err != nil {
		return ChatPrep{}, err
	}
	if !persona.State.IsAvailable(now) {
		return ChatPrep{}, fmt.Errorf("%s is not available: %w", persona.Name, domain.ErrUnavailable)
	}

	scratch := domain.Conversation{TokenBudget: s.cfg.ConversationTokenBudget}
	score := s.engine.Score(&persona, &persona, &scratch, nil).Total
	responseType, constraints := selectTier(score)

	var emotional *domain.EmotionalState
	if state, err := s.emotional.GetOrCreate(ctx, persona.ID); err == nil {
		emotional = &state
	}
	var memories []domain.Memory
	if found, err := s.memories.Search(ctx, SearchInput{
		PersonaID:     persona.ID,
		Query:         message,
		Limit:         s.cfg.MemorySearchDefaultLimit,
		MinImportance: s.cfg.MemoryImportanceThreshold,
	}); err == nil {
		memories = found
	}

	prompt := BuildTurnPrompt(PromptContext{
		Speaker:     &persona,
		Emotional:   emotional,
		Memories:    memories,
		Message:     message,
		Constraints: constraints,
	})
	return ChatPrep{
		Persona:      persona,
		Prompt:       prompt,
		Constraints:  constraints,
		ResponseType: responseType,
		Score:        score,
	}, nil
}

// Chat ejecuta un chat usuario→persona de una pieza.
func (s *ConversationService) Chat(ctx context.Context, personaID, message string) (ChatResult, error) {
	started := time.Now()
	prep, err := s.PrepareChat(ctx, personaID, message)
	if err != nil {
		return ChatResult{}, err
	}

	var content string
	responseType := prep.ResponseType
	if responseType == domain.ResponseTemplate {
		content = llm.FallbackResponse(prep.Persona.State.CurrentPriority, prep.Persona.State.SocialEnergy, message)
	} else {
		content, err = s.client.Generate(ctx, prep.Prompt, prep.Constraints)
		if err != nil {
			s.logger.Warn("chat generation failed, degrading to template", zap.Error(err))
			content = llm.FallbackResponse(prep.Persona.State.CurrentPriority, prep.Persona.State.SocialEnergy, message)
			responseType = domain.ResponseTemplate
		}
		content = strings.TrimSpace(content)
	}

	return s.CommitChat(ctx, prep, message, content, responseType, time.Since(started).Seconds()), nil
}

// CommitChat aplica los efectos de un chat confirmado (coste del turno
// sobre la persona y memoria del intercambio) y materializa la
// respuesta con su coste estimado.
func (s *ConversationService) CommitChat(ctx context.Context, prep ChatPrep, message, content string, responseType domain.ResponseType, processing float64) ChatResult {
	now := time.Now().UTC()
	var scratch domain.InteractionState
	s.engine.ApplyTurnCost(&prep.Persona.State, &scratch, 30, now)
	if err := s.personas.SaveState(ctx, prep.Persona.ID, prep.Persona.State); err != nil {
		s.logger.Warn("persist chat cost", zap.Error(err))
	}

	quality := clampF(float64(prep.Score-50)/50, -1, 1)
	if _, err := s.emotional.ApplyInteractionEffect(ctx, prep.Persona.ID, quality, math.Min(0.1, float64(prep.Score)/1000)); err != nil {
		s.logger.Warn("chat emotional update failed", zap.Error(err))
	}

	memContent := fmt.Sprintf("Someone told me: %s. I replied: %s", message, content)
	if _, err := s.memories.Store(ctx, StoreInput{
		PersonaID:        prep.Persona.ID,
		Content:          memContent,
		Type:             domain.MemConversation,
		EmotionalValence: quality,
		Visibility:       domain.VisibilityPrivate,
		Speaker:          &prep.Persona,
		Context:          ScoreContext{ContinueScore: prep.Score},
	}); err != nil {
		s.logger.Warn("chat memory write failed", zap.Error(err))
	}

	return ChatResult{
		PersonaID:      prep.Persona.ID,
		Response:       content,
		ResponseType:   responseType,
		Score:          prep.Score,
		TokensUsed:     turnTokens(content, responseType),
		ProcessingTime: processing,
	}
}

// selectTier mapea el continue-score al tier de generación y sus
// restricciones.
func selectTier(score int) (domain.ResponseType, llm.Constraints) {
	switch {
	case score >= tierFullHigh:
		return domain.ResponseFullLLM, llm.Constraints{Creativity: 0.8, MaxLength: 100}
	case score >= tierFullLow:
		return domain.ResponseFullLLM, llm.Constraints{Creativity: 0.6, MaxLength: 100}
	case score >= tierConstrained:
		return domain.ResponseConstrained, llm.Constraints{MaxLength: 50, Style: "concise", PrepareExit: true}
	default:
		return domain.ResponseTemplate, llm.Constraints{}
	}
}

// turnTokens estima tokens del contenido: palabras * 1.3, escaladas por
// el coste relativo del tier.
func turnTokens(content string, responseType domain.ResponseType) int {
	words := len(strings.Fields(content))
	mult := 1.0
	switch responseType {
	case domain.ResponseFullLLM:
		mult = 1.5
	case domain.ResponseTemplate:
		mult = 0.1
	}
	tokens := int(math.Ceil(float64(words) * 1.3 * mult))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

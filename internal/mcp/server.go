package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/service"
)

// ModelLister lo implementa el cliente HTTP real; el mock no lo necesita.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Server implementa los métodos MCP sobre la capa de servicios.
type Server struct {
	cfg           *config.Config
	logger        *zap.Logger
	sessions      *service.SessionManager
	personas      *service.PersonaService
	memories      *service.MemoryService
	relationships *service.RelationshipService
	emotional     *service.EmotionalService
	conversations *service.ConversationService
	decay         *service.DecayWorker
	client        llm.Client
	started       time.Time
}

func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	sessions *service.SessionManager,
	personas *service.PersonaService,
	memories *service.MemoryService,
	relationships *service.RelationshipService,
	emotional *service.EmotionalService,
	conversations *service.ConversationService,
	decay *service.DecayWorker,
	client llm.Client,
) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		sessions:      sessions,
		personas:      personas,
		memories:      memories,
		relationships: relationships,
		emotional:     emotional,
		conversations: conversations,
		decay:         decay,
		client:        client,
		started:       time.Now().UTC(),
	}
}

// RegisterAll registra el método table completo en el dispatcher.
func (s *Server) RegisterAll(d *Dispatcher) {
	d.Register("persona.switch", s.personaSwitch)
	d.Register("persona.chat", s.personaChat)
	d.Register("persona.chat_stream", s.personaChatStream)
	d.Register("persona.chat_stream_cancel", s.personaChatStreamCancel)
	d.Register("persona.list", s.personaList)
	d.Register("persona.create", s.personaCreate)
	d.Register("persona.delete", s.personaDelete)
	d.Register("persona.status", s.personaStatus)
	d.Register("persona.memory", s.personaMemory)
	d.Register("persona.relationship", s.personaRelationship)

	d.Register("conversation.start", s.conversationStart)
	d.Register("conversation.turn", s.conversationTurn)
	d.Register("conversation.end", s.conversationEnd)
	d.Register("conversation.status", s.conversationStatus)

	d.Register("memory.search", s.memorySearch)
	d.Register("memory.store", s.memoryStore)
	d.Register("memory.stats", s.memoryStats)
	d.Register("memory.prune", s.memoryPrune)
	d.Register("memory.prune_all", s.memoryPruneAll)
	d.Register("memory.prune_recommendations", s.memoryPruneRecommendations)
	d.Register("memory.prune_stats", s.memoryPruneStats)
	d.Register("memory.decay_start", s.memoryDecayStart)
	d.Register("memory.decay_stop", s.memoryDecayStop)
	d.Register("memory.decay_stats", s.memoryDecayStats)
	d.Register("memory.decay_force", s.memoryDecayForce)
	d.Register("memory.search_cross_persona", s.memorySearchCrossPersona)
	d.Register("memory.shared_stats", s.memorySharedStats)

	d.Register("relationship.get", s.relationshipGet)
	d.Register("relationship.list", s.relationshipList)
	d.Register("relationship.compatibility", s.relationshipCompatibility)
	d.Register("relationship.stats", s.relationshipStats)
	d.Register("relationship.update", s.relationshipUpdate)

	d.Register("emotional.get_state", s.emotionalGetState)
	d.Register("emotional.update_state", s.emotionalUpdateState)

	d.Register("state.save", s.stateSave)
	d.Register("state.load", s.stateLoad)
	d.Register("system.status", s.systemStatus)
	d.Register("system.models", s.systemModels)
	d.Register("visual.update", s.visualUpdate)
}

func unmarshalParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}

// resolvePersona prioriza el persona_id explícito sobre la persona
// activa de la sesión.
func resolvePersona(sess *service.Session, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if sess != nil && sess.ActivePersonaID != "" {
		return sess.ActivePersonaID, nil
	}
	return "", fmt.Errorf("no persona selected: %w", domain.ErrInvalidInput)
}

// --- persona ---

func (s *Server) personaSwitch(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaSwitchParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	persona, err := s.personas.Get(ctx, p.PersonaID)
	if err != nil {
		return nil, err
	}
	if !persona.State.IsAvailable(time.Now().UTC()) {
		return nil, fmt.Errorf("%s is not available for interaction: %w", persona.Name, domain.ErrUnavailable)
	}
	if err := s.sessions.SwitchPersona(sess.ID, persona.ID); err != nil {
		return nil, err
	}
	sess.ActivePersonaID = persona.ID
	return map[string]interface{}{
		"persona_id": persona.ID,
		"name":       persona.Name,
		"status":     "active",
	}, nil
}

func (s *Server) personaChat(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaChatParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.conversations.Chat(ctx, personaID, p.Message)
}

func (s *Server) personaList(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	personas, err := s.personas.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"personas": personas, "count": len(personas)}, nil
}

func (s *Server) personaCreate(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaCreateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	return s.personas.Create(ctx, service.CreateInput{
		Name:              p.Name,
		Description:       p.Description,
		PersonalityTraits: p.PersonalityTraits,
		TopicPreferences:  p.TopicPreferences,
		Charisma:          p.Charisma,
		Intelligence:      p.Intelligence,
		SocialRank:        p.SocialRank,
	})
}

func (s *Server) personaDelete(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.PersonaID == "" {
		return nil, fmt.Errorf("persona_id is required: %w", domain.ErrInvalidInput)
	}
	if err := s.personas.Delete(ctx, p.PersonaID); err != nil {
		return nil, err
	}
	if sess != nil && sess.ActivePersonaID == p.PersonaID {
		sess.ActivePersonaID = ""
	}
	return map[string]interface{}{"deleted": p.PersonaID}, nil
}

func (s *Server) personaStatus(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.personas.Status(ctx, personaID)
}

func (s *Server) personaMemory(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memorySearchParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	memories, err := s.memories.Search(ctx, service.SearchInput{
		PersonaID:     personaID,
		Query:         p.Query,
		Limit:         p.Limit,
		MinImportance: p.MinImportance,
		Visibility:    domain.Visibility(p.Visibility),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"memories": memories, "count": len(memories)}, nil
}

func (s *Server) personaRelationship(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p relationshipPairParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Persona1ID == "" {
		if id, err := resolvePersona(sess, ""); err == nil {
			p.Persona1ID = id
		}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.relationships.GetOrCreate(ctx, p.Persona1ID, p.Persona2ID)
}

// --- conversation ---

func (s *Server) conversationStart(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p conversationStartParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	conv, err := s.conversations.Initiate(ctx, service.InitiateInput{
		InitiatorID: p.InitiatorID,
		TargetID:    p.TargetID,
		Topic:       p.Topic,
		MaxDuration: p.MaxDuration,
		TokenBudget: p.TokenBudget,
	})
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sess.ConversationID = conv.ID
	}
	return conv, nil
}

func (s *Server) conversationTurn(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p conversationTurnParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" && sess != nil {
		p.ConversationID = sess.ConversationID
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.conversations.ProcessTurn(ctx, service.TurnInput{
		ConversationID: p.ConversationID,
		Message:        p.Message,
		Topic:          p.Topic,
	})
}

func (s *Server) conversationEnd(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p conversationEndParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" && sess != nil {
		p.ConversationID = sess.ConversationID
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	conv, err := s.conversations.End(ctx, p.ConversationID, p.Reason)
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.ConversationID == conv.ID {
		sess.ConversationID = ""
	}
	return conv, nil
}

func (s *Server) conversationStatus(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p conversationIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" && sess != nil {
		p.ConversationID = sess.ConversationID
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	conv, turns, err := s.conversations.Status(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation": conv, "turns": turns}, nil
}

// --- memory ---

func (s *Server) memorySearch(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	return s.personaMemory(ctx, sess, raw)
}

func (s *Server) memoryStore(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memoryStoreParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.memories.Store(ctx, service.StoreInput{
		PersonaID:        personaID,
		Content:          p.Content,
		Type:             domain.MemoryType(p.Type),
		Importance:       p.Importance,
		EmotionalValence: p.EmotionalValence,
		RelatedPersonas:  p.RelatedPersonas,
		Visibility:       domain.Visibility(p.Visibility),
		Metadata:         p.Metadata,
	})
}

func (s *Server) memoryStats(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.memories.Stats(ctx, personaID)
}

func (s *Server) memoryPrune(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memoryPruneParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	removed, err := s.memories.Prune(ctx, personaID, p.Keep)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed, "count": len(removed)}, nil
}

func (s *Server) memoryPruneAll(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memoryPruneParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	removed, err := s.memories.PruneAll(ctx, p.Keep)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, ids := range removed {
		total += len(ids)
	}
	return map[string]interface{}{"removed_by_persona": removed, "total": total}, nil
}

func (s *Server) memoryPruneRecommendations(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memoryPruneParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	recs, err := s.memories.PruneRecommendations(ctx, personaID, p.Keep)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"recommendations": recs, "count": len(recs)}, nil
}

func (s *Server) memoryPruneStats(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	total, err := s.memories.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"total_memories":  total,
		"cap_per_persona": s.cfg.MemoryMaxPerPersona,
		"last_sweep":      s.decay.Stats(),
	}, nil
}

func (s *Server) memoryDecayStart(_ context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	s.decay.Start(context.Background())
	return map[string]interface{}{"decay": "started"}, nil
}

func (s *Server) memoryDecayStop(_ context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	s.decay.Stop()
	return map[string]interface{}{"decay": "stopped"}, nil
}

func (s *Server) memoryDecayStats(_ context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	return s.decay.Stats(), nil
}

func (s *Server) memoryDecayForce(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p memoryDecayForceParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	n, err := s.decay.ForceDecay(ctx, p.PersonaID, p.Factor)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"decayed": n}, nil
}

func (s *Server) memorySearchCrossPersona(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p crossPersonaSearchParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	memories, err := s.memories.SearchCrossPersona(ctx, service.SearchInput{
		PersonaID:     personaID,
		Query:         p.Query,
		Limit:         p.Limit,
		MinImportance: p.MinImportance,
		IncludeShared: p.includeShared(),
		IncludePublic: p.includePublic(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"memories": memories, "count": len(memories)}, nil
}

func (s *Server) memorySharedStats(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	return s.memories.SharedStats(ctx)
}

// --- relationship ---

func (s *Server) relationshipGet(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p relationshipPairParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.relationships.Get(ctx, p.Persona1ID, p.Persona2ID)
}

func (s *Server) relationshipList(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	rels, err := s.relationships.List(ctx, personaID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"relationships": rels, "count": len(rels)}, nil
}

func (s *Server) relationshipCompatibility(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p relationshipPairParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.relationships.Compatibility(ctx, p.Persona1ID, p.Persona2ID, s.cfg.StatusHierarchy)
}

func (s *Server) relationshipStats(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	return s.relationships.Stats(ctx)
}

func (s *Server) relationshipUpdate(ctx context.Context, _ *service.Session, raw json.RawMessage) (interface{}, error) {
	var p relationshipUpdateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.relationships.SetType(ctx, p.Persona1ID, p.Persona2ID, domain.RelationshipType(p.Type))
}

// --- emotional ---

func (s *Server) emotionalGetState(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p personaIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.emotional.GetOrCreate(ctx, personaID)
}

func (s *Server) emotionalUpdateState(ctx context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p emotionalUpdateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	personaID, err := resolvePersona(sess, p.PersonaID)
	if err != nil {
		return nil, err
	}
	return s.emotional.UpdateState(ctx, personaID, service.EmotionalUpdate{
		Mood:          p.Mood,
		EnergyLevel:   p.EnergyLevel,
		StressLevel:   p.StressLevel,
		Curiosity:     p.Curiosity,
		SocialBattery: p.SocialBattery,
	})
}

// --- state / system / visual ---

// stateSave es un checkpoint lógico: la persistencia es write-through,
// así que solo reporta los conteos por agregado.
func (s *Server) stateSave(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	return s.stateCounts(ctx)
}

func (s *Server) stateLoad(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	counts, err := s.stateCounts(ctx)
	if err != nil {
		return nil, err
	}
	warmed, err := s.relationships.WarmCache(ctx)
	if err != nil {
		s.logger.Warn("relationship cache warm failed", zap.Error(err))
	}
	counts["relationships_cached"] = warmed
	return counts, nil
}

func (s *Server) stateCounts(ctx context.Context) (map[string]interface{}, error) {
	personas, err := s.personas.Count(ctx)
	if err != nil {
		return nil, err
	}
	memories, err := s.memories.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	relStats, err := s.relationships.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"personas":      personas,
		"memories":      memories,
		"relationships": relStats["total_relationships"],
	}, nil
}

func (s *Server) systemStatus(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	personas, err := s.personas.Count(ctx)
	if err != nil {
		return nil, err
	}
	sessions, streams := s.sessions.Counts()
	return map[string]interface{}{
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
		"personas":          personas,
		"sessions":          sessions,
		"streams_in_flight": streams,
		"decay_last_sweep":  s.decay.Stats().LastRun,
		"default_model":     s.cfg.LLMDefaultModel,
	}, nil
}

func (s *Server) systemModels(ctx context.Context, _ *service.Session, _ json.RawMessage) (interface{}, error) {
	if lister, ok := s.client.(ModelLister); ok {
		if models, err := lister.ListModels(ctx); err == nil {
			return map[string]interface{}{"models": models}, nil
		}
	}
	return map[string]interface{}{"models": []string{s.cfg.LLMDefaultModel}}, nil
}

func (s *Server) visualUpdate(_ context.Context, sess *service.Session, raw json.RawMessage) (interface{}, error) {
	var p visualUpdateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("no session: %w", domain.ErrInvalidInput)
	}
	for k, v := range p.State {
		sess.VisualState[k] = v
	}
	return map[string]interface{}{"ack": true}, nil
}

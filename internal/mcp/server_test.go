package mcp

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/repository"
	"persona-mcp/internal/service"
)

// Mocks in-memory de los repositorios, suficientes para atravesar el
// grafo completo de servicios desde los handlers.

type fakePersonaRepo struct {
	personas map[string]domain.Persona
}

func newFakePersonaRepo() *fakePersonaRepo {
	return &fakePersonaRepo{personas: map[string]domain.Persona{}}
}

func (r *fakePersonaRepo) Create(_ context.Context, p domain.Persona) error {
	r.personas[p.ID] = p
	return nil
}

func (r *fakePersonaRepo) Get(_ context.Context, id string) (domain.Persona, error) {
	p, ok := r.personas[id]
	if !ok {
		return domain.Persona{}, fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (r *fakePersonaRepo) List(_ context.Context) ([]domain.Persona, error) {
	out := make([]domain.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakePersonaRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.personas[id]; !ok {
		return fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	delete(r.personas, id)
	return nil
}

func (r *fakePersonaRepo) SaveState(_ context.Context, id string, state domain.InteractionState) error {
	p, ok := r.personas[id]
	if !ok {
		return fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	p.State = state
	r.personas[id] = p
	return nil
}

func (r *fakePersonaRepo) Count(_ context.Context) (int, error) {
	return len(r.personas), nil
}

type fakeIndexRepo struct {
	memories map[string]domain.Memory
}

func newFakeIndexRepo() *fakeIndexRepo {
	return &fakeIndexRepo{memories: map[string]domain.Memory{}}
}

func (r *fakeIndexRepo) Insert(_ context.Context, m domain.Memory) error {
	r.memories[m.ID] = m
	return nil
}

func (r *fakeIndexRepo) Get(_ context.Context, id string) (domain.Memory, error) {
	m, ok := r.memories[id]
	if !ok {
		return domain.Memory{}, fmt.Errorf("memory %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (r *fakeIndexRepo) ListByPersona(_ context.Context, personaID string) ([]domain.Memory, error) {
	var out []domain.Memory
	for _, m := range r.memories {
		if m.PersonaID == personaID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeIndexRepo) CountByPersona(_ context.Context, personaID string) (int, error) {
	n := 0
	for _, m := range r.memories {
		if m.PersonaID == personaID {
			n++
		}
	}
	return n, nil
}

func (r *fakeIndexRepo) ListPersonaIDs(_ context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, m := range r.memories {
		if !seen[m.PersonaID] {
			seen[m.PersonaID] = true
			out = append(out, m.PersonaID)
		}
	}
	return out, nil
}

func (r *fakeIndexRepo) SetImportance(_ context.Context, id string, importance float64) error {
	m, ok := r.memories[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, domain.ErrNotFound)
	}
	m.Importance = importance
	r.memories[id] = m
	return nil
}

func (r *fakeIndexRepo) TouchAccess(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		if m, ok := r.memories[id]; ok {
			m.AccessedCount++
			m.LastAccessed = &at
			r.memories[id] = m
		}
	}
	return nil
}

func (r *fakeIndexRepo) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(r.memories, id)
	}
	return nil
}

func (r *fakeIndexRepo) DeleteByPersona(_ context.Context, personaID string) (int, error) {
	n := 0
	for id, m := range r.memories {
		if m.PersonaID == personaID {
			delete(r.memories, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeIndexRepo) Stats(_ context.Context, personaID string) (repository.MemoryStats, error) {
	stats := repository.MemoryStats{PersonaID: personaID, CountsByType: map[string]int{}}
	sum := 0.0
	for _, m := range r.memories {
		if m.PersonaID != personaID {
			continue
		}
		stats.Total++
		stats.CountsByType[string(m.Type)]++
		sum += m.Importance
	}
	if stats.Total > 0 {
		stats.MeanImportance = sum / float64(stats.Total)
	}
	return stats, nil
}

func (r *fakeIndexRepo) CountAll(_ context.Context) (int, error) {
	return len(r.memories), nil
}

type fakeVectorRepo struct {
	docs map[string]repository.VectorDocument
}

func newFakeVectorRepo() *fakeVectorRepo {
	return &fakeVectorRepo{docs: map[string]repository.VectorDocument{}}
}

func (r *fakeVectorRepo) Upsert(_ context.Context, doc repository.VectorDocument) error {
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeVectorRepo) Search(_ context.Context, collection string, _ pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]repository.VectorDocument, error) {
	var out []repository.VectorDocument
	for _, d := range r.docs {
		if d.Collection != collection || d.Importance < minImportance {
			continue
		}
		if visibility != "" && d.Visibility != visibility {
			continue
		}
		d.Similarity = 0.9
		out = append(out, d)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (r *fakeVectorRepo) SearchAllCollectionsExcept(_ context.Context, excluded string, _ pgvector.Vector, k int, minImportance float64, visibility domain.Visibility) ([]repository.VectorDocument, error) {
	var out []repository.VectorDocument
	for _, d := range r.docs {
		if d.Collection == excluded || d.Importance < minImportance || d.Visibility != visibility {
			continue
		}
		d.Similarity = 0.9
		out = append(out, d)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (r *fakeVectorRepo) SetImportance(_ context.Context, id string, importance float64) error {
	d, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("doc %s: %w", id, domain.ErrNotFound)
	}
	d.Importance = importance
	r.docs[id] = d
	return nil
}

func (r *fakeVectorRepo) TouchAccess(_ context.Context, ids []string) error {
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			d.AccessedCount++
			r.docs[id] = d
		}
	}
	return nil
}

func (r *fakeVectorRepo) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(r.docs, id)
	}
	return nil
}

func (r *fakeVectorRepo) DeleteCollection(_ context.Context, collection string) (int, error) {
	n := 0
	for id, d := range r.docs {
		if d.Collection == collection {
			delete(r.docs, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeVectorRepo) CountByVisibility(_ context.Context, visibility domain.Visibility) (int, error) {
	n := 0
	for _, d := range r.docs {
		if d.Visibility == visibility {
			n++
		}
	}
	return n, nil
}

type fakeRelRepo struct {
	rels    map[string]domain.Relationship
	history []repository.InteractionRecord
}

func newFakeRelRepo() *fakeRelRepo {
	return &fakeRelRepo{rels: map[string]domain.Relationship{}}
}

func relKey(a, b string) string {
	p1, p2 := domain.CanonicalPair(a, b)
	return p1 + "/" + p2
}

func (r *fakeRelRepo) Get(_ context.Context, a, b string) (domain.Relationship, error) {
	rel, ok := r.rels[relKey(a, b)]
	if !ok {
		return domain.Relationship{}, fmt.Errorf("relationship: %w", domain.ErrNotFound)
	}
	return rel, nil
}

func (r *fakeRelRepo) Upsert(_ context.Context, rel domain.Relationship) error {
	r.rels[relKey(rel.Persona1ID, rel.Persona2ID)] = rel
	return nil
}

func (r *fakeRelRepo) ListByPersona(_ context.Context, personaID string) ([]domain.Relationship, error) {
	var out []domain.Relationship
	for _, rel := range r.rels {
		if rel.Persona1ID == personaID || rel.Persona2ID == personaID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *fakeRelRepo) LogInteraction(_ context.Context, rec repository.InteractionRecord) error {
	r.history = append(r.history, rec)
	return nil
}

func (r *fakeRelRepo) Count(_ context.Context) (int, error) {
	return len(r.rels), nil
}

type fakeEmotionalRepo struct {
	states map[string]domain.EmotionalState
}

func newFakeEmotionalRepo() *fakeEmotionalRepo {
	return &fakeEmotionalRepo{states: map[string]domain.EmotionalState{}}
}

func (r *fakeEmotionalRepo) Get(_ context.Context, personaID string) (domain.EmotionalState, error) {
	s, ok := r.states[personaID]
	if !ok {
		return domain.EmotionalState{}, fmt.Errorf("emotional state %s: %w", personaID, domain.ErrNotFound)
	}
	return s, nil
}

func (r *fakeEmotionalRepo) Upsert(_ context.Context, state domain.EmotionalState) error {
	r.states[state.PersonaID] = state
	return nil
}

type fakeConvRepo struct {
	convs map[string]domain.Conversation
	turns map[string][]domain.ConversationTurn
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs: map[string]domain.Conversation{},
		turns: map[string][]domain.ConversationTurn{},
	}
}

func (r *fakeConvRepo) Create(_ context.Context, conv domain.Conversation) error {
	r.convs[conv.ID] = conv
	return nil
}

func (r *fakeConvRepo) Get(_ context.Context, id string) (domain.Conversation, error) {
	conv, ok := r.convs[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

func (r *fakeConvRepo) Update(_ context.Context, conv domain.Conversation) error {
	if _, ok := r.convs[conv.ID]; !ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrNotFound)
	}
	r.convs[conv.ID] = conv
	return nil
}

func (r *fakeConvRepo) AddTurn(_ context.Context, turn domain.ConversationTurn) error {
	r.turns[turn.ConversationID] = append(r.turns[turn.ConversationID], turn)
	return nil
}

func (r *fakeConvRepo) ListTurns(_ context.Context, conversationID string) ([]domain.ConversationTurn, error) {
	return r.turns[conversationID], nil
}

func serverConfig() *config.Config {
	return &config.Config{
		LLMDefaultModel:             "test-model",
		LLMTimeoutSeconds:           5,
		MaxTimeScore:                30,
		MaxTopicScore:               25,
		MaxSocialScore:              20,
		MaxFatiguePenalty:           15,
		MaxResourceScore:            10,
		UrgentDecayRate:             60,
		ImportantDecayRate:          180,
		CasualDecayRate:             600,
		StatusHierarchy:             []string{"servant", "commoner", "merchant", "noble", "royal"},
		SameStatusCompatibility:     10,
		AdjacentStatusCompatibility: 8,
		DistantStatusCompatibility:  3,
		DefaultStatusCompatibility:  5,
		LargeStatusGapThreshold:     2,
		PersonaBaseCooldownSeconds:  300,
		PersonaHighContinueScore:    70,
		PersonaLowContinueScore:     40,
		SatisfyingConvoMultiplier:   0.6,
		UnsatisfyingConvoMultiplier: 1.5,
		PersonaDefaultAvailableTime: 3600,
		PersonaLowTokenBudget:       50,
		MemoryMaxPerPersona:         1000,
		MemoryDecayRate:             0.01,
		MemoryImportanceThreshold:   0.3,
		MemorySearchDefaultLimit:    5,
		ConversationTokenBudget:     1000,
		SessionMaxContextMessages:   20,
		SessionTimeoutHours:         1,
		MaxStreamingSessions:        2,
	}
}

type serverFixture struct {
	server   *Server
	disp     *Dispatcher
	sess     *service.Session
	client   *llm.MockClient
	personas *fakePersonaRepo
	index    *fakeIndexRepo
	vectors  *fakeVectorRepo
	rels     *fakeRelRepo
}

func newServerFixture() *serverFixture {
	cfg := serverConfig()
	logger := zap.NewNop()
	client := &llm.MockClient{
		Response:  "A pleasure to make conversation.",
		Chunks:    []string{"A pleasure ", "to make ", "conversation."},
		Embedding: make([]float32, 8),
	}

	personaRepo := newFakePersonaRepo()
	indexRepo := newFakeIndexRepo()
	vectorRepo := newFakeVectorRepo()
	relRepo := newFakeRelRepo()
	emoRepo := newFakeEmotionalRepo()
	convRepo := newFakeConvRepo()

	engine := service.NewContinueScoreEngine(cfg)
	memories := service.NewMemoryService(cfg, logger, indexRepo, vectorRepo, client)
	personas := service.NewPersonaService(cfg, logger, personaRepo, memories, engine)
	relationships := service.NewRelationshipService(logger, personaRepo, relRepo, nil)
	emotional := service.NewEmotionalService(logger, emoRepo)
	conversations := service.NewConversationService(cfg, logger, convRepo, personas, memories, relationships, emotional, engine, client)
	decay := service.NewDecayWorker(cfg, logger, indexRepo, memories)
	sessions := service.NewSessionManager(cfg, logger)

	server := NewServer(cfg, logger, sessions, personas, memories, relationships, emotional, conversations, decay, client)
	disp := NewDispatcher(logger)
	server.RegisterAll(disp)

	return &serverFixture{
		server:   server,
		disp:     disp,
		sess:     sessions.Create(),
		client:   client,
		personas: personaRepo,
		index:    indexRepo,
		vectors:  vectorRepo,
		rels:     relRepo,
	}
}

func (f *serverFixture) call(t *testing.T, method, params string) *Response {
	t.Helper()
	raw := `{"jsonrpc":"2.0","id":1,"method":"` + method + `"`
	if params != "" {
		raw += `,"params":` + params
	}
	raw += `}`
	return f.disp.Dispatch(context.Background(), f.sess, []byte(raw))
}

func (f *serverFixture) mustCall(t *testing.T, method, params string) interface{} {
	t.Helper()
	resp := f.call(t, method, params)
	if resp == nil {
		t.Fatalf("%s: no response", method)
	}
	if resp.Error != nil {
		t.Fatalf("%s failed: %+v", method, resp.Error)
	}
	return resp.Result
}

func (f *serverFixture) createPersona(t *testing.T, name string) domain.Persona {
	t.Helper()
	result := f.mustCall(t, "persona.create", `{"name":"`+name+`"}`)
	p, ok := result.(domain.Persona)
	if !ok {
		t.Fatalf("persona.create returned %T", result)
	}
	return p
}

func TestPersonaCreateSwitchChat(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")
	if p.Charisma != 10 || p.SocialRank != "commoner" {
		t.Fatalf("unexpected defaults: %+v", p)
	}

	switched := f.mustCall(t, "persona.switch", `{"persona_id":"`+p.ID+`"}`).(map[string]interface{})
	if f.sess.ActivePersonaID != p.ID {
		t.Fatalf("active persona = %q, want %q", f.sess.ActivePersonaID, p.ID)
	}
	if switched["status"] != "active" {
		t.Fatalf("switch status = %v, want active", switched["status"])
	}

	// Sin persona_id explícito: usa la persona activa de la sesión.
	result := f.mustCall(t, "persona.chat", `{"message":"Good morning"}`)
	chat, ok := result.(service.ChatResult)
	if !ok {
		t.Fatalf("persona.chat returned %T", result)
	}
	if chat.PersonaID != p.ID {
		t.Fatalf("chat persona = %q, want %q", chat.PersonaID, p.ID)
	}
	if chat.Response != f.client.Response {
		t.Fatalf("response = %q, want backend response", chat.Response)
	}
	if chat.ResponseType != domain.ResponseFullLLM {
		t.Fatalf("response type = %q, want full_llm", chat.ResponseType)
	}
	if chat.TokensUsed <= 0 {
		t.Fatalf("tokens used = %d, want > 0", chat.TokensUsed)
	}
	if chat.ProcessingTime < 0 {
		t.Fatalf("processing time = %v", chat.ProcessingTime)
	}

	// El commit del chat deja una memoria en ambos stores.
	if len(f.index.memories) != 1 || len(f.vectors.docs) != 1 {
		t.Fatalf("memories after chat: index=%d vectors=%d, want 1/1", len(f.index.memories), len(f.vectors.docs))
	}
}

func TestPersonaSwitch_RejectsCooledDownPersona(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Aldric")

	cooled := f.personas.personas[p.ID]
	cooled.State.CooldownUntil = time.Now().UTC().Add(10 * time.Minute)
	f.personas.personas[p.ID] = cooled

	resp := f.call(t, "persona.switch", `{"persona_id":"`+p.ID+`"}`)
	if resp.Error == nil {
		t.Fatalf("expected error for unavailable persona, got %+v", resp.Result)
	}
	if !strings.Contains(resp.Error.Message, "is not available for interaction") {
		t.Fatalf("error message = %q", resp.Error.Message)
	}
	if f.sess.ActivePersonaID == p.ID {
		t.Fatal("session switched to unavailable persona")
	}
}

func TestPersonaChat_NoActivePersona(t *testing.T) {
	f := newServerFixture()
	resp := f.call(t, "persona.chat", `{"message":"hello?"}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp)
	}
}

func TestPersonaDelete_CascadesAndClearsSession(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Mirella")
	f.mustCall(t, "persona.switch", `{"persona_id":"`+p.ID+`"}`)
	f.mustCall(t, "memory.store", `{"content":"the harvest failed","importance":0.8}`)

	f.mustCall(t, "persona.delete", `{"persona_id":"`+p.ID+`"}`)
	if f.sess.ActivePersonaID != "" {
		t.Fatal("session still references deleted persona")
	}
	if len(f.index.memories) != 0 || len(f.vectors.docs) != 0 {
		t.Fatal("memories survived persona deletion")
	}
}

func TestMemoryStoreAndSearch(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Tomas")
	f.mustCall(t, "persona.switch", `{"persona_id":"`+p.ID+`"}`)

	result := f.mustCall(t, "memory.store", `{"content":"I met a traveling bard","importance":0.9}`)
	mem, ok := result.(domain.Memory)
	if !ok {
		t.Fatalf("memory.store returned %T", result)
	}
	if mem.PersonaID != p.ID || mem.Importance != 0.9 {
		t.Fatalf("unexpected memory: %+v", mem)
	}

	out := f.mustCall(t, "memory.search", `{"query":"bard"}`).(map[string]interface{})
	if out["count"].(int) != 1 {
		t.Fatalf("search count = %v, want 1", out["count"])
	}
}

func TestMemorySearchCrossPersona_RespectsVisibility(t *testing.T) {
	f := newServerFixture()
	a := f.createPersona(t, "Anya")
	b := f.createPersona(t, "Boris")

	f.mustCall(t, "memory.store", `{"persona_id":"`+a.ID+`","content":"secret fear","importance":0.9,"visibility":"private"}`)
	f.mustCall(t, "memory.store", `{"persona_id":"`+a.ID+`","content":"village rumor","importance":0.9,"visibility":"shared"}`)

	f.mustCall(t, "persona.switch", `{"persona_id":"`+b.ID+`"}`)
	out := f.mustCall(t, "memory.search_cross_persona", `{"query":"village"}`).(map[string]interface{})
	memories := out["memories"].([]domain.Memory)
	if len(memories) != 1 {
		t.Fatalf("cross-persona results = %d, want 1", len(memories))
	}
	if memories[0].Content != "village rumor" {
		t.Fatalf("leaked wrong memory: %+v", memories[0])
	}
}

func TestMemorySearchCrossPersona_IncludeFlags(t *testing.T) {
	f := newServerFixture()
	a := f.createPersona(t, "Anya")
	b := f.createPersona(t, "Boris")

	f.mustCall(t, "memory.store", `{"persona_id":"`+a.ID+`","content":"village rumor","importance":0.9,"visibility":"shared"}`)
	f.mustCall(t, "memory.store", `{"persona_id":"`+a.ID+`","content":"royal decree","importance":0.9,"visibility":"public"}`)
	f.mustCall(t, "persona.switch", `{"persona_id":"`+b.ID+`"}`)

	out := f.mustCall(t, "memory.search_cross_persona", `{"query":"village","include_public":false}`).(map[string]interface{})
	memories := out["memories"].([]domain.Memory)
	if len(memories) != 1 || memories[0].Visibility != domain.VisibilityShared {
		t.Fatalf("expected only the shared memory, got %+v", memories)
	}

	out = f.mustCall(t, "memory.search_cross_persona", `{"query":"village","include_shared":false,"include_public":false}`).(map[string]interface{})
	if out["count"].(int) != 0 {
		t.Fatalf("both flags off must return nothing, got %v", out["count"])
	}
}

func TestRelationshipFlow(t *testing.T) {
	f := newServerFixture()
	a := f.createPersona(t, "Anya")
	b := f.createPersona(t, "Boris")

	pair := `{"persona1_id":"` + a.ID + `","persona2_id":"` + b.ID + `"}`
	result := f.mustCall(t, "persona.relationship", pair)
	rel, ok := result.(domain.Relationship)
	if !ok {
		t.Fatalf("persona.relationship returned %T", result)
	}
	if rel.Type != domain.RelStranger {
		t.Fatalf("new pair type = %q, want stranger", rel.Type)
	}

	updated := f.mustCall(t, "relationship.update",
		`{"persona1_id":"`+a.ID+`","persona2_id":"`+b.ID+`","relationship_type":"mentor"}`).(domain.Relationship)
	if updated.Type != domain.RelMentor {
		t.Fatalf("type after update = %q, want mentor", updated.Type)
	}

	out := f.mustCall(t, "relationship.list", `{"persona_id":"`+a.ID+`"}`).(map[string]interface{})
	if out["count"].(int) != 1 {
		t.Fatalf("relationship count = %v, want 1", out["count"])
	}

	compat := f.mustCall(t, "relationship.compatibility", pair)
	if _, ok := compat.(service.CompatibilityReport); !ok {
		t.Fatalf("relationship.compatibility returned %T", compat)
	}
}

func TestConversationLifecycleViaDispatcher(t *testing.T) {
	f := newServerFixture()
	a := f.createPersona(t, "Anya")
	b := f.createPersona(t, "Boris")

	conv := f.mustCall(t, "conversation.start",
		`{"initiator_id":"`+a.ID+`","target_id":"`+b.ID+`","topic":"harvest","token_budget":800,"max_duration":600}`).(domain.Conversation)
	if f.sess.ConversationID != conv.ID {
		t.Fatal("session not bound to started conversation")
	}
	if conv.TokenBudget != 800 || conv.MaxDuration != 600 {
		t.Fatalf("start params not honored: budget=%d max_duration=%v", conv.TokenBudget, conv.MaxDuration)
	}

	// Sin conversation_id: usa la conversación de la sesión.
	turn := f.mustCall(t, "conversation.turn", `{}`).(service.TurnResult)
	if turn.Turn.SpeakerID != b.ID {
		t.Fatalf("first speaker = %q, want target %q", turn.Turn.SpeakerID, b.ID)
	}

	status := f.mustCall(t, "conversation.status", `{}`).(map[string]interface{})
	turns := status["turns"].([]domain.ConversationTurn)
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}

	ended := f.mustCall(t, "conversation.end", `{"reason":"duty calls"}`).(domain.Conversation)
	if ended.Active() {
		t.Fatal("conversation still active after end")
	}
	if f.sess.ConversationID != "" {
		t.Fatal("session still bound to ended conversation")
	}
}

func TestEmotionalStateViaDispatcher(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Sela")
	f.mustCall(t, "persona.switch", `{"persona_id":"`+p.ID+`"}`)

	state := f.mustCall(t, "emotional.get_state", `{}`).(domain.EmotionalState)
	if state.EnergyLevel != 0.7 {
		t.Fatalf("default energy = %v, want 0.7", state.EnergyLevel)
	}

	updated := f.mustCall(t, "emotional.update_state", `{"mood":0.5}`).(domain.EmotionalState)
	if updated.Mood != 0.5 {
		t.Fatalf("mood = %v, want 0.5", updated.Mood)
	}
}

func TestSystemStatusAndModels(t *testing.T) {
	f := newServerFixture()
	f.createPersona(t, "Anya")

	status := f.mustCall(t, "system.status", "").(map[string]interface{})
	if status["personas"].(int) != 1 {
		t.Fatalf("personas = %v, want 1", status["personas"])
	}
	if status["sessions"].(int) != 1 {
		t.Fatalf("sessions = %v, want 1", status["sessions"])
	}

	// MockClient no implementa ModelLister: cae al modelo configurado.
	models := f.mustCall(t, "system.models", "").(map[string]interface{})
	list := models["models"].([]string)
	if len(list) != 1 || list[0] != "test-model" {
		t.Fatalf("models = %v, want [test-model]", list)
	}
}

func TestStateSaveAndLoad(t *testing.T) {
	f := newServerFixture()
	f.createPersona(t, "Anya")

	saved := f.mustCall(t, "state.save", "").(map[string]interface{})
	if saved["personas"].(int) != 1 {
		t.Fatalf("saved personas = %v, want 1", saved["personas"])
	}

	loaded := f.mustCall(t, "state.load", "").(map[string]interface{})
	if loaded["relationships_cached"].(int) != 0 {
		t.Fatalf("warmed = %v, want 0 without cache", loaded["relationships_cached"])
	}
}

func TestVisualUpdate(t *testing.T) {
	f := newServerFixture()
	f.mustCall(t, "visual.update", `{"state":{"expression":"smile"}}`)
	if f.sess.VisualState["expression"] != "smile" {
		t.Fatalf("visual state = %v", f.sess.VisualState)
	}
}

func TestMemoryDecayForce_InvalidFactor(t *testing.T) {
	f := newServerFixture()
	p := f.createPersona(t, "Anya")
	resp := f.call(t, "memory.decay_force", `{"persona_id":"`+p.ID+`","factor":1.5}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp)
	}
}

func TestMethodTableComplete(t *testing.T) {
	f := newServerFixture()
	required := []string{
		"persona.switch", "persona.chat", "persona.chat_stream", "persona.chat_stream_cancel",
		"persona.list", "persona.create", "persona.delete", "persona.status",
		"persona.memory", "persona.relationship",
		"conversation.start", "conversation.turn", "conversation.end", "conversation.status",
		"memory.search", "memory.store", "memory.stats", "memory.prune",
		"memory.prune_all", "memory.prune_recommendations", "memory.prune_stats",
		"memory.decay_start", "memory.decay_stop", "memory.decay_stats", "memory.decay_force",
		"memory.search_cross_persona", "memory.shared_stats",
		"relationship.get", "relationship.list", "relationship.compatibility",
		"relationship.stats", "relationship.update",
		"emotional.get_state", "emotional.update_state",
		"state.save", "state.load", "system.status", "system.models", "visual.update",
	}
	registered := map[string]bool{}
	for _, m := range f.disp.Methods() {
		registered[m] = true
	}
	for _, m := range required {
		if !registered[m] {
			t.Fatalf("method %s not registered", m)
		}
	}
}

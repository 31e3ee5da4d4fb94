package service

import (
	"testing"
	"time"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
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
		ConversationTokenBudget:     1000,
		SessionMaxContextMessages:   20,
	}
}

func scorePersona(id string, charisma int, rank string) *domain.Persona {
	return &domain.Persona{
		ID:       id,
		Name:     id,
		Charisma: charisma, Intelligence: 10,
		SocialRank:       rank,
		TopicPreferences: map[string]float64{"music": 80, "war": 20},
		State: domain.InteractionState{
			InterestLevel:   50,
			CurrentPriority: domain.PriorityCasual,
			AvailableTime:   3600,
			SocialEnergy:    100,
		},
	}
}

func scoreConversation() *domain.Conversation {
	return &domain.Conversation{
		ID:           "c1",
		Participants: []string{"a", "b"},
		Topic:        "music",
		TokenBudget:  1000,
	}
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	a := scorePersona("a", 15, "noble")
	b := scorePersona("b", 12, "noble")
	conv := scoreConversation()

	s1 := e.Score(a, b, conv, nil)
	s2 := e.Score(a, b, conv, nil)
	if s1 != s2 {
		t.Fatalf("non-deterministic score: %+v vs %+v", s1, s2)
	}
	if s1.Total < 0 || s1.Total > 100 {
		t.Fatalf("score out of range: %d", s1.Total)
	}
}

func TestTimePressure_DecaysWithDuration(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	a := scorePersona("a", 15, "noble")
	conv := scoreConversation()

	fresh := e.timePressure(a, conv)
	if fresh != 30 {
		t.Fatalf("expected full time score at duration 0, got %v", fresh)
	}
	conv.Duration = 600
	later := e.timePressure(a, conv)
	if later >= fresh {
		t.Fatalf("expected decay: %v >= %v", later, fresh)
	}

	// Urgente decae más rápido que casual.
	a.State.CurrentPriority = domain.PriorityUrgent
	urgent := e.timePressure(a, conv)
	if urgent >= later {
		t.Fatalf("urgent should decay faster: %v >= %v", urgent, later)
	}
}

func TestTopicAlignment_DriftPenalty(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	a := scorePersona("a", 15, "noble")
	b := scorePersona("b", 12, "noble")
	conv := scoreConversation()

	aligned := e.topicAlignment(a, b, conv)
	conv.TopicDriftCount = 3
	drifted := e.topicAlignment(a, b, conv)
	if drifted >= aligned {
		t.Fatalf("expected drift penalty: %v >= %v", drifted, aligned)
	}
	want := aligned * 0.6
	if diff := drifted - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected x0.6 penalty, got %v want %v", drifted, want)
	}
}

func TestStatusCompatibility(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	if got := e.statusCompatibility("noble", "noble"); got != 10 {
		t.Fatalf("same rank: got %v", got)
	}
	if got := e.statusCompatibility("noble", "merchant"); got != 8 {
		t.Fatalf("adjacent rank: got %v", got)
	}
	if got := e.statusCompatibility("royal", "servant"); got != 3 {
		t.Fatalf("distant rank: got %v", got)
	}
	if got := e.statusCompatibility("unknown", "noble"); got != 5 {
		t.Fatalf("unknown rank: got %v", got)
	}
}

func TestFatiguePenalty_Capped(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	a := scorePersona("a", 15, "noble")
	a.State.InteractionFatigue = 10
	if got := e.fatiguePenalty(a); got != 5 {
		t.Fatalf("expected fatigue/2=5, got %v", got)
	}
	a.State.InteractionFatigue = 100
	if got := e.fatiguePenalty(a); got != 15 {
		t.Fatalf("expected cap 15, got %v", got)
	}
}

func TestRelationshipModifier_Range(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	if got := e.relationshipModifier(nil); got != 0 {
		t.Fatalf("nil relationship: got %v", got)
	}
	worst := &domain.Relationship{Affinity: -1, Trust: -1, Respect: -1}
	if got := e.relationshipModifier(worst); got < -10.1 || got > -9 {
		t.Fatalf("hostile bond should be near -10, got %v", got)
	}
	best := &domain.Relationship{Affinity: 1, Trust: 1, Respect: 1, Intimacy: 1}
	if got := e.relationshipModifier(best); got != 15 {
		t.Fatalf("full bond should be +15, got %v", got)
	}
}

func TestResourceScore_ThresholdedProduct(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	a := scorePersona("a", 15, "noble")
	conv := scoreConversation()
	if got := e.resourceScore(a, conv); got != 10 {
		t.Fatalf("full resources should yield max, got %v", got)
	}
	a.State.SocialEnergy = 10
	if got := e.resourceScore(a, conv); got != 5 {
		t.Fatalf("half energy should halve score, got %v", got)
	}
	conv.TokensUsed = conv.TokenBudget
	if got := e.resourceScore(a, conv); got != 0 {
		t.Fatalf("exhausted budget should zero score, got %v", got)
	}
}

func TestApplyTurnCost_SpeakerFullListenerHalf(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	now := time.Now().UTC()
	speaker := domain.InteractionState{SocialEnergy: 100, AvailableTime: 3600}
	listener := domain.InteractionState{SocialEnergy: 100, AvailableTime: 3600}

	e.ApplyTurnCost(&speaker, &listener, 60, now)

	if speaker.InteractionFatigue != 2 {
		t.Fatalf("speaker fatigue: got %v want 2", speaker.InteractionFatigue)
	}
	if listener.InteractionFatigue != 1 {
		t.Fatalf("listener fatigue: got %v want 1", listener.InteractionFatigue)
	}
	if speaker.SocialEnergy != 98 || listener.SocialEnergy != 99 {
		t.Fatalf("energy drain wrong: speaker=%v listener=%v", speaker.SocialEnergy, listener.SocialEnergy)
	}
	if speaker.AvailableTime != 3540 {
		t.Fatalf("available time: got %v", speaker.AvailableTime)
	}
}

func TestCooldown_Multipliers(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	base := e.Cooldown(50, 0)
	if base != 300*time.Second {
		t.Fatalf("neutral cooldown: got %v", base)
	}
	if got := e.Cooldown(80, 0); got != 180*time.Second {
		t.Fatalf("satisfying cooldown: got %v", got)
	}
	if got := e.Cooldown(30, 0); got != 450*time.Second {
		t.Fatalf("unsatisfying cooldown: got %v", got)
	}
	if got := e.Cooldown(50, 100); got != 600*time.Second {
		t.Fatalf("fatigued cooldown: got %v", got)
	}
}

func TestRegenerate_RestoresResources(t *testing.T) {
	e := NewContinueScoreEngine(testConfig())
	now := time.Now().UTC()
	state := domain.InteractionState{SocialEnergy: 50, InteractionFatigue: 10, AvailableTime: 0}

	e.Regenerate(&state, 10*time.Minute, now)

	if state.SocialEnergy != 60 {
		t.Fatalf("energy regen: got %v", state.SocialEnergy)
	}
	if state.InteractionFatigue >= 10 {
		t.Fatalf("fatigue should decay, got %v", state.InteractionFatigue)
	}
	if state.AvailableTime != 600 {
		t.Fatalf("available time regen: got %v", state.AvailableTime)
	}

	e.Regenerate(&state, 10000*time.Minute, now)
	if state.SocialEnergy != 200 {
		t.Fatalf("energy must cap at 200, got %v", state.SocialEnergy)
	}
	if state.AvailableTime != 3600 {
		t.Fatalf("available time must cap at default, got %v", state.AvailableTime)
	}
}

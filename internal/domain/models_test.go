package domain

import (
	"testing"
	"time"
)

func TestIsAvailable_Boundaries(t *testing.T) {
	now := time.Now().UTC()
	s := InteractionState{AvailableTime: 3600, SocialEnergy: 10}
	if s.IsAvailable(now) {
		t.Fatalf("social_energy=10 must be unavailable")
	}
	s.SocialEnergy = 11
	if !s.IsAvailable(now) {
		t.Fatalf("social_energy=11 must be available")
	}

	s.AvailableTime = 30
	if s.IsAvailable(now) {
		t.Fatalf("available_time=30 must be unavailable")
	}
	s.AvailableTime = 31

	s.CooldownUntil = now.Add(time.Second)
	if s.IsAvailable(now) {
		t.Fatalf("cooldown in the future must be unavailable")
	}
	if !s.IsAvailable(s.CooldownUntil) {
		t.Fatalf("cooldown boundary instant must be available")
	}
}

func TestInteractionStateClamp(t *testing.T) {
	s := InteractionState{InterestLevel: 130, SocialEnergy: 250, InteractionFatigue: -3, AvailableTime: -1}
	s.Clamp()
	if s.InterestLevel != 100 || s.SocialEnergy != 200 || s.InteractionFatigue != 0 || s.AvailableTime != 0 {
		t.Fatalf("clamp failed: %+v", s)
	}
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("zeta", "alfa")
	if a != "alfa" || b != "zeta" {
		t.Fatalf("expected sorted pair, got %q %q", a, b)
	}
	a, b = CanonicalPair("alfa", "zeta")
	if a != "alfa" || b != "zeta" {
		t.Fatalf("expected stable pair, got %q %q", a, b)
	}
}

func TestShouldContinue(t *testing.T) {
	c := Conversation{ContinueScore: 40, TokenBudget: 100, TokensUsed: 49}
	if !c.ShouldContinue() {
		t.Fatalf("score 40 with budget left must continue")
	}
	c.ContinueScore = 39
	if c.ShouldContinue() {
		t.Fatalf("score 39 must not continue")
	}
	c.ContinueScore = 80
	c.TokensUsed = 50
	if c.ShouldContinue() {
		t.Fatalf("remaining budget 50 must not continue")
	}
}

func TestTypeMultiplierTable(t *testing.T) {
	cases := map[MemoryType]float64{
		MemConversation: 1.0,
		MemObservation:  0.8,
		MemReflection:   1.2,
		MemRelationship: 1.3,
		MemGoal:         1.4,
		MemSecret:       1.5,
		MemTrauma:       1.6,
		MemAchievement:  1.3,
		MemLearning:     1.1,
		MemRoutine:      0.6,
	}
	for mt, want := range cases {
		if got := mt.TypeMultiplier(); got != want {
			t.Fatalf("multiplier for %s: got %v want %v", mt, got, want)
		}
	}
}

func TestRelationshipStrength(t *testing.T) {
	r := Relationship{Affinity: 1, Trust: 1, Respect: 1, Intimacy: 1}
	if got := r.Strength(); got != 1.0 {
		t.Fatalf("expected full strength 1.0, got %v", got)
	}
	r = Relationship{}
	if got := r.Strength(); got != 0 {
		t.Fatalf("expected neutral strength 0, got %v", got)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"persona-mcp/internal/domain"
	"persona-mcp/internal/repository"
)

// RelationshipCache es una caché read-through opcional por par canónico.
type RelationshipCache interface {
	Get(ctx context.Context, p1, p2 string) (domain.Relationship, bool)
	Set(ctx context.Context, rel domain.Relationship)
	Invalidate(ctx context.Context, p1, p2 string)
}

// contextModifiers ajusta dimensiones según la etiqueta de contexto de
// la interacción.
var contextModifiers = map[string]struct{ trust, affinity, respect, intimacy float64 }{
	"conflict":          {trust: -0.2, affinity: -0.1},
	"collaboration":     {trust: 0.1, respect: 0.1},
	"casual":            {affinity: 0.1},
	"deep_conversation": {intimacy: 0.1, trust: 0.05},
	"professional":      {respect: 0.1},
}

// RelationshipService administra el estado simétrico por par de personas.
type RelationshipService struct {
	logger   *zap.Logger
	personas repository.PersonaRepository
	rels     repository.RelationshipRepository
	cache    RelationshipCache // puede ser nil
}

func NewRelationshipService(
	logger *zap.Logger,
	personas repository.PersonaRepository,
	rels repository.RelationshipRepository,
	cache RelationshipCache,
) *RelationshipService {
	return &RelationshipService{logger: logger, personas: personas, rels: rels, cache: cache}
}

// GetOrCreate devuelve el vínculo del par, creando un Stranger neutro si
// no existe.
func (s *RelationshipService) GetOrCreate(ctx context.Context, a, b string) (domain.Relationship, error) {
	p1, p2 := domain.CanonicalPair(a, b)
	if p1 == p2 {
		return domain.Relationship{}, fmt.Errorf("relationship requires two distinct personas: %w", domain.ErrInvalidInput)
	}

	if s.cache != nil {
		if rel, ok := s.cache.Get(ctx, p1, p2); ok {
			return rel, nil
		}
	}

	rel, err := s.rels.Get(ctx, p1, p2)
	if err == nil {
		if s.cache != nil {
			s.cache.Set(ctx, rel)
		}
		return rel, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Relationship{}, fmt.Errorf("get relationship: %w", err)
	}

	now := time.Now().UTC()
	rel = domain.Relationship{
		ID:              uuid.NewString(),
		Persona1ID:      p1,
		Persona2ID:      p2,
		Type:            domain.RelStranger,
		FirstMeeting:    now,
		LastInteraction: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.rels.Upsert(ctx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("create relationship: %w", err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, rel)
	}
	return rel, nil
}

// Get devuelve el vínculo sin crearlo.
func (s *RelationshipService) Get(ctx context.Context, a, b string) (domain.Relationship, error) {
	p1, p2 := domain.CanonicalPair(a, b)
	if s.cache != nil {
		if rel, ok := s.cache.Get(ctx, p1, p2); ok {
			return rel, nil
		}
	}
	return s.rels.Get(ctx, p1, p2)
}

// List devuelve todos los vínculos de una persona.
func (s *RelationshipService) List(ctx context.Context, personaID string) ([]domain.Relationship, error) {
	return s.rels.ListByPersona(ctx, personaID)
}

// ProcessInteraction actualiza el vínculo a partir del resultado de una
// interacción. Simétrico por construcción: el par se canonicaliza antes
// de cualquier escritura.
func (s *RelationshipService) ProcessInteraction(ctx context.Context, a, b string, quality, durationMinutes float64, contextLabel string) (domain.Relationship, error) {
	quality = clampF(quality, -1, 1)

	if _, err := s.personas.Get(ctx, a); err != nil {
		return domain.Relationship{}, fmt.Errorf("load persona %s: %w", a, err)
	}
	if _, err := s.personas.Get(ctx, b); err != nil {
		return domain.Relationship{}, fmt.Errorf("load persona %s: %w", b, err)
	}

	rel, err := s.GetOrCreate(ctx, a, b)
	if err != nil {
		return domain.Relationship{}, err
	}

	now := time.Now().UTC()
	ApplyInteractionScores(&rel, quality, durationMinutes)
	applyContextModifier(&rel, contextLabel)
	rel.Clamp()

	rel.InteractionCount++
	rel.TotalInteractionTime += durationMinutes
	rel.LastInteraction = now
	rel.UpdatedAt = now
	rel.RecentQuality = quality
	rel.Type = deriveType(rel)

	if math.Abs(quality) > 0.7 {
		moment := fmt.Sprintf("%s: %s interaction (quality %.2f)", now.Format(time.RFC3339), contextLabel, quality)
		rel.MemorableMoments = append(rel.MemorableMoments, moment)
	}
	if contextLabel == "conflict" {
		rel.ConflictHistory = append(rel.ConflictHistory, now.Format(time.RFC3339))
	}

	if err := s.rels.Upsert(ctx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("persist relationship: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, rel.Persona1ID, rel.Persona2ID)
	}

	if err := s.rels.LogInteraction(ctx, repository.InteractionRecord{
		Persona1ID:      rel.Persona1ID,
		Persona2ID:      rel.Persona2ID,
		Quality:         quality,
		DurationMinutes: durationMinutes,
		Context:         contextLabel,
		Timestamp:       now,
	}); err != nil {
		// El historial es best-effort; el vínculo ya quedó persistido.
		s.logger.Warn("log interaction failed", zap.Error(err))
	}

	return rel, nil
}

// SetType fija un tipo explícito (mentor, student, family...) que la
// derivación automática nunca produce.
func (s *RelationshipService) SetType(ctx context.Context, a, b string, t domain.RelationshipType) (domain.Relationship, error) {
	rel, err := s.GetOrCreate(ctx, a, b)
	if err != nil {
		return domain.Relationship{}, err
	}
	rel.Type = t
	rel.UpdatedAt = time.Now().UTC()
	if err := s.rels.Upsert(ctx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("persist relationship: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, rel.Persona1ID, rel.Persona2ID)
	}
	return rel, nil
}

// ApplyInteractionScores actualiza las dimensiones ponderadas por
// duración. Exportada para tests de simetría.
func ApplyInteractionScores(rel *domain.Relationship, quality, durationMinutes float64) {
	w := math.Min(1, durationMinutes/30)
	rel.Affinity += quality * 0.10 * w
	if quality > 0 {
		rel.Trust += quality * 0.08 * w
	}
	if math.Abs(quality) > 0.5 {
		rel.Respect += quality * 0.05 * w
	}
	if quality > 0.3 && durationMinutes > 10 {
		rel.Intimacy += 0.05 * w
	}
}

func applyContextModifier(rel *domain.Relationship, label string) {
	mod, ok := contextModifiers[label]
	if !ok {
		return
	}
	rel.Trust += mod.trust
	rel.Affinity += mod.affinity
	rel.Respect += mod.respect
	rel.Intimacy += mod.intimacy
}

// deriveType clasifica el vínculo desde sus dimensiones y el conteo de
// interacciones. Los tipos explícitos se preservan.
func deriveType(rel domain.Relationship) domain.RelationshipType {
	switch rel.Type {
	case domain.RelMentor, domain.RelStudent, domain.RelFamily:
		return rel.Type
	}

	avg := (rel.Affinity + rel.Trust + rel.Respect) / 3
	switch {
	case avg <= -0.6:
		return domain.RelEnemy
	case avg <= -0.2:
		return domain.RelRival
	case rel.InteractionCount < 3:
		return domain.RelStranger
	case avg < 0.25:
		return domain.RelAcquaintance
	case avg < 0.6:
		return domain.RelFriend
	default:
		if rel.Intimacy > 0.8 && rel.Affinity > 0.6 {
			return domain.RelRomantic
		}
		return domain.RelCloseFriend
	}
}

// CompatibilityReport resume qué tan bien encajan dos personas.
type CompatibilityReport struct {
	Overall             float64  `json:"overall"` // 0..1
	Personality         float64  `json:"personality"`
	Social              float64  `json:"social"`
	Interests           float64  `json:"interests"`
	SuggestedStyle      string   `json:"suggested_style"`
	RecommendedTopics   []string `json:"recommended_topics"`
	PotentialChallenges []string `json:"potential_challenges"`
}

// Compatibility calcula el encaje entre dos personas desde rasgos,
// preferencias y rango social.
func (s *RelationshipService) Compatibility(ctx context.Context, a, b string, hierarchy []string) (CompatibilityReport, error) {
	pa, err := s.personas.Get(ctx, a)
	if err != nil {
		return CompatibilityReport{}, err
	}
	pb, err := s.personas.Get(ctx, b)
	if err != nil {
		return CompatibilityReport{}, err
	}
	return ComputeCompatibility(&pa, &pb, hierarchy), nil
}

// ComputeCompatibility es la parte pura del motor de compatibilidad.
func ComputeCompatibility(a, b *domain.Persona, hierarchy []string) CompatibilityReport {
	report := CompatibilityReport{}

	// Personalidad: 1 - distancia media de rasgos compartidos.
	var dist float64
	var shared int
	for trait, va := range a.PersonalityTraits {
		if vb, ok := b.PersonalityTraits[trait]; ok {
			dist += math.Abs(va - vb)
			shared++
		}
	}
	if shared > 0 {
		report.Personality = clampF(1-dist/float64(shared), 0, 1)
	} else {
		report.Personality = 0.5
	}

	// Social: carisma combinado y cercanía de rango.
	charisma := (float64(a.Charisma) + float64(b.Charisma)) / 40
	i1, i2 := rankIndex(hierarchy, a.SocialRank), rankIndex(hierarchy, b.SocialRank)
	rankScore := 0.5
	if i1 >= 0 && i2 >= 0 {
		gap := math.Abs(float64(i1 - i2))
		rankScore = clampF(1-gap/float64(len(hierarchy)), 0, 1)
	}
	report.Social = clampF((charisma+rankScore)/2, 0, 1)

	// Intereses: solape de preferencias fuertes (>50).
	var topics []string
	var overlap, union int
	for topic, va := range a.TopicPreferences {
		vb, ok := b.TopicPreferences[topic]
		union++
		if ok && va > 50 && vb > 50 {
			overlap++
			topics = append(topics, topic)
		}
	}
	for topic := range b.TopicPreferences {
		if _, ok := a.TopicPreferences[topic]; !ok {
			union++
		}
	}
	if union > 0 {
		report.Interests = float64(overlap) / float64(union)
	}
	report.RecommendedTopics = topics

	report.Overall = clampF(0.4*report.Personality+0.3*report.Social+0.3*report.Interests, 0, 1)

	switch {
	case report.Overall >= 0.7:
		report.SuggestedStyle = "open"
	case report.Overall >= 0.4:
		report.SuggestedStyle = "cordial"
	default:
		report.SuggestedStyle = "formal"
	}

	if report.Personality < 0.3 {
		report.PotentialChallenges = append(report.PotentialChallenges, "personality_clash")
	}
	if i1 >= 0 && i2 >= 0 && math.Abs(float64(i1-i2)) >= 2 {
		report.PotentialChallenges = append(report.PotentialChallenges, "status_gap")
	}
	if report.Interests == 0 {
		report.PotentialChallenges = append(report.PotentialChallenges, "no_shared_interests")
	}
	return report
}

// InteractionModifier traduce la fuerza del vínculo en un multiplicador
// de interés para el motor de conversación.
func InteractionModifier(rel *domain.Relationship) float64 {
	if rel == nil {
		return 1.0
	}
	return 1.0 + rel.Strength()*0.3
}

// WarmCache precarga la caché con todos los vínculos existentes.
// Devuelve cuántos se cargaron.
func (s *RelationshipService) WarmCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	personas, err := s.personas.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list personas: %w", err)
	}
	seen := map[string]bool{}
	warmed := 0
	for _, p := range personas {
		rels, err := s.rels.ListByPersona(ctx, p.ID)
		if err != nil {
			return warmed, fmt.Errorf("list relationships for %s: %w", p.ID, err)
		}
		for _, rel := range rels {
			key := rel.Persona1ID + "/" + rel.Persona2ID
			if seen[key] {
				continue
			}
			seen[key] = true
			s.cache.Set(ctx, rel)
			warmed++
		}
	}
	return warmed, nil
}

// Stats agrega contadores globales del subsistema de vínculos.
func (s *RelationshipService) Stats(ctx context.Context) (map[string]interface{}, error) {
	n, err := s.rels.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"total_relationships": n}, nil
}

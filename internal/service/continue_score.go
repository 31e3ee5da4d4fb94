package service

import (
	"math"
	"time"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
)

// ScoreBreakdown expone los componentes del score para telemetría y tests.
type ScoreBreakdown struct {
	TimePressure   float64 `json:"time_pressure"`
	TopicAlignment float64 `json:"topic_alignment"`
	Social         float64 `json:"social"`
	FatiguePenalty float64 `json:"fatigue_penalty"`
	Relationship   float64 `json:"relationship"`
	Resources      float64 `json:"resources"`
	Total          int     `json:"total"`
}

// ContinueScoreEngine calcula el score de engagement 0-100 por turno.
// Puro: sin efectos; los costes del turno se aplican aparte.
type ContinueScoreEngine struct {
	cfg *config.Config
}

func NewContinueScoreEngine(cfg *config.Config) *ContinueScoreEngine {
	return &ContinueScoreEngine{cfg: cfg}
}

// Score suma los seis componentes ponderados y recorta a [0,100].
func (e *ContinueScoreEngine) Score(speaker, other *domain.Persona, conv *domain.Conversation, rel *domain.Relationship) ScoreBreakdown {
	b := ScoreBreakdown{
		TimePressure:   e.timePressure(speaker, conv),
		TopicAlignment: e.topicAlignment(speaker, other, conv),
		Social:         e.socialCompatibility(speaker, other),
		FatiguePenalty: e.fatiguePenalty(speaker),
		Relationship:   e.relationshipModifier(rel),
		Resources:      e.resourceScore(speaker, conv),
	}
	total := b.TimePressure + b.TopicAlignment + b.Social - b.FatiguePenalty + b.Relationship + b.Resources
	b.Total = int(math.Round(clampF(total, 0, 100)))
	return b
}

// timePressure arranca en el máximo y decae con duration/r(priority).
func (e *ContinueScoreEngine) timePressure(speaker *domain.Persona, conv *domain.Conversation) float64 {
	r := e.decayRate(speaker.State.CurrentPriority)
	max := float64(e.cfg.MaxTimeScore)
	return max / (1 + conv.Duration/r)
}

func (e *ContinueScoreEngine) decayRate(p domain.Priority) float64 {
	switch p {
	case domain.PriorityUrgent:
		return e.cfg.UrgentDecayRate
	case domain.PriorityImportant:
		return e.cfg.ImportantDecayRate
	default:
		return e.cfg.CasualDecayRate
	}
}

// topicAlignment combina preferencia media y mínima sobre el topic,
// penalizando la deriva temática.
func (e *ContinueScoreEngine) topicAlignment(speaker, other *domain.Persona, conv *domain.Conversation) float64 {
	p1 := topicPreference(speaker, conv.Topic)
	p2 := topicPreference(other, conv.Topic)
	base := 0.7*((p1+p2)/2) + 0.3*math.Min(p1, p2) // 0-100
	score := base * float64(e.cfg.MaxTopicScore) / 100.0
	if conv.TopicDriftCount > 2 {
		score *= 0.6
	}
	return clampF(score, 0, float64(e.cfg.MaxTopicScore))
}

func topicPreference(p *domain.Persona, topic string) float64 {
	if p == nil || topic == "" {
		return 50
	}
	if v, ok := p.TopicPreferences[topic]; ok {
		return clampF(v, 0, 100)
	}
	return 50
}

// socialCompatibility promedia carisma mínimo y compatibilidad de rango.
func (e *ContinueScoreEngine) socialCompatibility(speaker, other *domain.Persona) float64 {
	charisma := math.Min(float64(speaker.Charisma), float64(other.Charisma)) * 0.8
	status := e.statusCompatibility(speaker.SocialRank, other.SocialRank)
	return clampF((charisma+status)/2, 0, float64(e.cfg.MaxSocialScore))
}

func (e *ContinueScoreEngine) statusCompatibility(rank1, rank2 string) float64 {
	i1, i2 := rankIndex(e.cfg.StatusHierarchy, rank1), rankIndex(e.cfg.StatusHierarchy, rank2)
	if i1 < 0 || i2 < 0 {
		return e.cfg.DefaultStatusCompatibility
	}
	gap := i1 - i2
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap == 0:
		return e.cfg.SameStatusCompatibility
	case gap == 1:
		return e.cfg.AdjacentStatusCompatibility
	case gap >= e.cfg.LargeStatusGapThreshold:
		return e.cfg.DistantStatusCompatibility
	default:
		return e.cfg.DefaultStatusCompatibility
	}
}

func rankIndex(hierarchy []string, rank string) int {
	for i, r := range hierarchy {
		if r == rank {
			return i
		}
	}
	return -1
}

func (e *ContinueScoreEngine) fatiguePenalty(speaker *domain.Persona) float64 {
	return math.Min(float64(e.cfg.MaxFatiguePenalty), speaker.State.InteractionFatigue/2)
}

// relationshipModifier reescala la compatibilidad [0,1] a [-10,+15].
func (e *ContinueScoreEngine) relationshipModifier(rel *domain.Relationship) float64 {
	if rel == nil {
		return 0
	}
	compat := clampF((rel.Strength()+1)/2, 0, 1)
	return -10 + compat*25
}

// resourceScore es el producto de factores umbralizados, cada uno
// capado en 1.
func (e *ContinueScoreEngine) resourceScore(speaker *domain.Persona, conv *domain.Conversation) float64 {
	timeFactor := math.Min(1, speaker.State.AvailableTime/60)
	budgetFactor := math.Min(1, float64(conv.TokenBudget-conv.TokensUsed)/100)
	energyFactor := math.Min(1, speaker.State.SocialEnergy/20)
	if budgetFactor < 0 {
		budgetFactor = 0
	}
	return float64(e.cfg.MaxResourceScore) * timeFactor * budgetFactor * energyFactor
}

// ApplyTurnCost aplica los efectos colaterales de un turno confirmado:
// el hablante absorbe el coste completo, el oyente la mitad.
func (e *ContinueScoreEngine) ApplyTurnCost(speaker, listener *domain.InteractionState, turnSeconds float64, now time.Time) {
	fatigue := turnSeconds / 60.0 * 2.0
	energy := math.Max(1, turnSeconds/30.0)

	speaker.InteractionFatigue += fatigue
	speaker.SocialEnergy -= energy
	speaker.AvailableTime -= turnSeconds
	speaker.LastUpdated = now
	speaker.Clamp()

	listener.InteractionFatigue += fatigue / 2
	listener.SocialEnergy -= energy / 2
	listener.AvailableTime -= turnSeconds
	listener.LastUpdated = now
	listener.Clamp()
}

// Cooldown calcula el enfriamiento post-conversación: base ajustada por
// satisfacción y escalada por fatiga.
func (e *ContinueScoreEngine) Cooldown(finalScore int, fatigue float64) time.Duration {
	base := float64(e.cfg.PersonaBaseCooldownSeconds)
	if finalScore > e.cfg.PersonaHighContinueScore {
		base *= e.cfg.SatisfyingConvoMultiplier
	} else if finalScore < e.cfg.PersonaLowContinueScore {
		base *= e.cfg.UnsatisfyingConvoMultiplier
	}
	base *= 1 + fatigue/100
	return time.Duration(base * float64(time.Second))
}

// Regenerate restaura recursos con el paso del tiempo de pared.
func (e *ContinueScoreEngine) Regenerate(state *domain.InteractionState, elapsed time.Duration, now time.Time) {
	minutes := elapsed.Minutes()
	state.SocialEnergy = clampF(state.SocialEnergy+minutes, 0, 200)
	state.InteractionFatigue *= math.Pow(0.95, minutes)
	if state.InteractionFatigue < 0.01 {
		state.InteractionFatigue = 0
	}
	if state.AvailableTime < float64(e.cfg.PersonaDefaultAvailableTime) {
		state.AvailableTime = math.Min(float64(e.cfg.PersonaDefaultAvailableTime), state.AvailableTime+minutes*60)
	}
	state.LastUpdated = now
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package domain

import (
	"time"
)

// Priority clasifica la urgencia actual de una persona.
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityCasual    Priority = "casual"
	PrioritySocial    Priority = "social"
	PriorityAcademic  Priority = "academic"
	PriorityBusiness  Priority = "business"
	PriorityNone      Priority = "none"
)

// ValidPriority indica si la etiqueta es una prioridad conocida.
func ValidPriority(p string) bool {
	switch Priority(p) {
	case PriorityUrgent, PriorityImportant, PriorityCasual, PrioritySocial,
		PriorityAcademic, PriorityBusiness, PriorityNone:
		return true
	}
	return false
}

// Persona es la identidad estable de un agente. Rasgos y trasfondo son
// inmutables después de la creación; el estado dinámico vive en
// InteractionState.
type Persona struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	PersonalityTraits map[string]float64 `json:"personality_traits"`
	TopicPreferences  map[string]float64 `json:"topic_preferences"` // topic -> interés 0-100
	Charisma          int                `json:"charisma"`          // 1-20
	Intelligence      int                `json:"intelligence"`      // 1-20
	SocialRank        string             `json:"social_rank"`
	CreatedAt         time.Time          `json:"created_at"`

	State InteractionState `json:"interaction_state"`
}

// InteractionState son los contadores dinámicos por persona.
type InteractionState struct {
	InterestLevel      float64   `json:"interest_level"`      // 0-100
	InteractionFatigue float64   `json:"interaction_fatigue"` // >= 0
	CurrentPriority    Priority  `json:"current_priority"`
	AvailableTime      float64   `json:"available_time"` // segundos
	SocialEnergy       float64   `json:"social_energy"`  // 0-200
	CooldownUntil      time.Time `json:"cooldown_until"`
	LastUpdated        time.Time `json:"last_updated"`
}

// IsAvailable evalúa la invariante de disponibilidad:
// now >= cooldown_until && available_time > 30 && social_energy > 10.
func (s InteractionState) IsAvailable(now time.Time) bool {
	return !now.Before(s.CooldownUntil) && s.AvailableTime > 30 && s.SocialEnergy > 10
}

// Clamp normaliza los contadores a sus rangos válidos.
func (s *InteractionState) Clamp() {
	s.InterestLevel = clampF(s.InterestLevel, 0, 100)
	s.SocialEnergy = clampF(s.SocialEnergy, 0, 200)
	if s.InteractionFatigue < 0 {
		s.InteractionFatigue = 0
	}
	if s.AvailableTime < 0 {
		s.AvailableTime = 0
	}
}

// DefaultInteractionState es el estado inicial de una persona recién creada.
func DefaultInteractionState(now time.Time) InteractionState {
	return InteractionState{
		InterestLevel:   50,
		CurrentPriority: PriorityNone,
		AvailableTime:   3600,
		SocialEnergy:    100,
		LastUpdated:     now,
	}
}

// EmotionalState es el estado afectivo de una persona, creado bajo demanda.
type EmotionalState struct {
	PersonaID     string    `json:"persona_id"`
	Mood          float64   `json:"mood"`           // -1..1
	EnergyLevel   float64   `json:"energy_level"`   // 0..1
	StressLevel   float64   `json:"stress_level"`   // 0..1
	Curiosity     float64   `json:"curiosity"`      // 0..1
	SocialBattery float64   `json:"social_battery"` // 0..1
	LastUpdated   time.Time `json:"last_updated"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clamp normaliza las dimensiones emocionales.
func (e *EmotionalState) Clamp() {
	e.Mood = clampF(e.Mood, -1, 1)
	e.EnergyLevel = clampF(e.EnergyLevel, 0, 1)
	e.StressLevel = clampF(e.StressLevel, 0, 1)
	e.Curiosity = clampF(e.Curiosity, 0, 1)
	e.SocialBattery = clampF(e.SocialBattery, 0, 1)
}

// DefaultEmotionalState devuelve el estado neutro inicial.
func DefaultEmotionalState(personaID string, now time.Time) EmotionalState {
	return EmotionalState{
		PersonaID:     personaID,
		Mood:          0,
		EnergyLevel:   0.7,
		StressLevel:   0.2,
		Curiosity:     0.5,
		SocialBattery: 0.8,
		LastUpdated:   now,
		CreatedAt:     now,
	}
}

// RelationshipType clasifica el vínculo entre dos personas.
type RelationshipType string

const (
	RelStranger     RelationshipType = "stranger"
	RelAcquaintance RelationshipType = "acquaintance"
	RelFriend       RelationshipType = "friend"
	RelCloseFriend  RelationshipType = "close_friend"
	RelRival        RelationshipType = "rival"
	RelEnemy        RelationshipType = "enemy"
	RelMentor       RelationshipType = "mentor"
	RelStudent      RelationshipType = "student"
	RelRomantic     RelationshipType = "romantic"
	RelFamily       RelationshipType = "family"
)

// ValidRelationshipType indica si la etiqueta es un tipo conocido.
func ValidRelationshipType(t string) bool {
	switch RelationshipType(t) {
	case RelStranger, RelAcquaintance, RelFriend, RelCloseFriend, RelRival,
		RelEnemy, RelMentor, RelStudent, RelRomantic, RelFamily:
		return true
	}
	return false
}

// Relationship es el estado simétrico de un par no ordenado de personas.
// Persona1ID < Persona2ID siempre (par canónico).
type Relationship struct {
	ID                   string           `json:"id"`
	Persona1ID           string           `json:"persona1_id"`
	Persona2ID           string           `json:"persona2_id"`
	Affinity             float64          `json:"affinity"` // -1..1
	Trust                float64          `json:"trust"`    // -1..1
	Respect              float64          `json:"respect"`  // -1..1
	Intimacy             float64          `json:"intimacy"` // 0..1
	Type                 RelationshipType `json:"relationship_type"`
	InteractionCount     int              `json:"interaction_count"`
	TotalInteractionTime float64          `json:"total_interaction_time"` // minutos
	FirstMeeting         time.Time        `json:"first_meeting"`
	LastInteraction      time.Time        `json:"last_interaction"`
	MemorableMoments     []string         `json:"memorable_moments"`
	ConflictHistory      []string         `json:"conflict_history"`
	RecentQuality        float64          `json:"recent_quality"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Clamp normaliza las dimensiones del vínculo.
func (r *Relationship) Clamp() {
	r.Affinity = clampF(r.Affinity, -1, 1)
	r.Trust = clampF(r.Trust, -1, 1)
	r.Respect = clampF(r.Respect, -1, 1)
	r.Intimacy = clampF(r.Intimacy, 0, 1)
}

// Strength pondera las dimensiones del vínculo en un escalar [-1,1].
func (r Relationship) Strength() float64 {
	return 0.35*r.Affinity + 0.30*r.Trust + 0.20*r.Respect + 0.15*r.Intimacy
}

// CanonicalPair ordena lexicográficamente un par de ids.
func CanonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// MemoryType etiqueta el origen/naturaleza de una memoria.
type MemoryType string

const (
	MemConversation MemoryType = "conversation"
	MemObservation  MemoryType = "observation"
	MemReflection   MemoryType = "reflection"
	MemRelationship MemoryType = "relationship"
	MemGoal         MemoryType = "goal"
	MemSecret       MemoryType = "secret"
	MemTrauma       MemoryType = "trauma"
	MemAchievement  MemoryType = "achievement"
	MemLearning     MemoryType = "learning"
	MemRoutine      MemoryType = "routine"
)

// ValidMemoryType indica si la etiqueta es un tipo de memoria conocido.
func ValidMemoryType(t string) bool {
	switch MemoryType(t) {
	case MemConversation, MemObservation, MemReflection, MemRelationship,
		MemGoal, MemSecret, MemTrauma, MemAchievement, MemLearning, MemRoutine:
		return true
	}
	return false
}

// TypeMultiplier pondera la importancia post-scoring por tipo.
func (t MemoryType) TypeMultiplier() float64 {
	switch t {
	case MemConversation:
		return 1.0
	case MemObservation:
		return 0.8
	case MemReflection:
		return 1.2
	case MemRelationship:
		return 1.3
	case MemGoal:
		return 1.4
	case MemSecret:
		return 1.5
	case MemTrauma:
		return 1.6
	case MemAchievement:
		return 1.3
	case MemLearning:
		return 1.1
	case MemRoutine:
		return 0.6
	}
	return 1.0
}

// Visibility controla la recuperación cross-persona.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// ValidVisibility indica si la etiqueta es una visibilidad conocida.
func ValidVisibility(v string) bool {
	switch Visibility(v) {
	case VisibilityPrivate, VisibilityShared, VisibilityPublic:
		return true
	}
	return false
}

// Memory es un registro inmutable post-escritura (salvo decay y contadores
// de acceso).
type Memory struct {
	ID               string            `json:"id"`
	PersonaID        string            `json:"persona_id"`
	Content          string            `json:"content"`
	Type             MemoryType        `json:"memory_type"`
	Importance       float64           `json:"importance"`        // 0.1..1.0
	EmotionalValence float64           `json:"emotional_valence"` // -1..1
	RelatedPersonas  []string          `json:"related_personas"`
	Visibility       Visibility        `json:"visibility"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	AccessedCount    int               `json:"accessed_count"`
	LastAccessed     *time.Time        `json:"last_accessed,omitempty"`
	Similarity       float64           `json:"similarity,omitempty"` // solo en resultados de búsqueda
}

// PrunePriority es la prioridad de retención usada por el pruning.
func (m Memory) PrunePriority() float64 {
	return m.Importance + 0.01*float64(m.AccessedCount)
}

// ResponseType es el tier de generación de un turno.
type ResponseType string

const (
	ResponseFullLLM     ResponseType = "full_llm"
	ResponseConstrained ResponseType = "constrained"
	ResponseTemplate    ResponseType = "template"
)

// Conversation es el estado mutable de una conversación activa o terminada.
type Conversation struct {
	ID              string     `json:"id"`
	Participants    []string   `json:"participants"`
	CurrentSpeaker  string     `json:"current_speaker"`
	Topic           string     `json:"topic"`
	TopicDriftCount int        `json:"topic_drift_count"`
	Duration        float64    `json:"duration"`               // segundos
	MaxDuration     float64    `json:"max_duration,omitempty"` // segundos; 0 => sin tope
	TokenBudget     int        `json:"token_budget"`
	TokensUsed      int        `json:"tokens_used"`
	ContinueScore   int        `json:"continue_score"`
	ScoreHistory    []int      `json:"score_history"`
	TurnCount       int        `json:"turn_count"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExitReason      string     `json:"exit_reason,omitempty"`
}

// Active indica si la conversación sigue en curso.
func (c Conversation) Active() bool { return c.EndedAt == nil }

// ShouldContinue aplica el corte duro de continuación.
func (c Conversation) ShouldContinue() bool {
	if c.MaxDuration > 0 && c.Duration >= c.MaxDuration {
		return false
	}
	return c.ContinueScore >= 40 && c.TokenBudget-c.TokensUsed > 50
}

// Other devuelve el participante distinto de id (binaria por diseño).
func (c Conversation) Other(id string) string {
	for _, p := range c.Participants {
		if p != id {
			return p
		}
	}
	return ""
}

// ConversationTurn es un turno confirmado, inmutable.
type ConversationTurn struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SpeakerID      string       `json:"speaker_id"`
	TurnNumber     int          `json:"turn_number"`
	Content        string       `json:"content"`
	ResponseType   ResponseType `json:"response_type"`
	ContinueScore  int          `json:"continue_score"`
	TokensUsed     int          `json:"tokens_used"`
	ProcessingTime float64      `json:"processing_time"` // segundos
	CreatedAt      time.Time    `json:"created_at"`
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

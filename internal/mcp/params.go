package mcp

import (
	"fmt"

	"persona-mcp/internal/domain"
)

// Params tipados por método. La validación estructural vive acá; la
// semántica, en los servicios.

type personaSwitchParams struct {
	PersonaID string `json:"persona_id"`
}

func (p personaSwitchParams) validate() error {
	if p.PersonaID == "" {
		return fmt.Errorf("persona_id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type personaChatParams struct {
	PersonaID string `json:"persona_id,omitempty"`
	Message   string `json:"message"`
}

func (p personaChatParams) validate() error {
	if p.Message == "" {
		return fmt.Errorf("message is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type personaCreateParams struct {
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	PersonalityTraits map[string]float64 `json:"personality_traits,omitempty"`
	TopicPreferences  map[string]float64 `json:"topic_preferences,omitempty"`
	Charisma          int                `json:"charisma,omitempty"`
	Intelligence      int                `json:"intelligence,omitempty"`
	SocialRank        string             `json:"social_rank,omitempty"`
}

type personaIDParams struct {
	PersonaID string `json:"persona_id,omitempty"`
}

type memorySearchParams struct {
	PersonaID     string  `json:"persona_id,omitempty"`
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
	Visibility    string  `json:"visibility,omitempty"`
}

func (p memorySearchParams) validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required: %w", domain.ErrInvalidInput)
	}
	if p.Visibility != "" && !domain.ValidVisibility(p.Visibility) {
		return fmt.Errorf("unknown visibility %q: %w", p.Visibility, domain.ErrInvalidInput)
	}
	return nil
}

// crossPersonaSearchParams controla qué visibilidades entran a la
// búsqueda cruzada. Los flags ausentes valen true.
type crossPersonaSearchParams struct {
	PersonaID     string  `json:"persona_id,omitempty"`
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
	IncludeShared *bool   `json:"include_shared,omitempty"`
	IncludePublic *bool   `json:"include_public,omitempty"`
}

func (p crossPersonaSearchParams) validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

func (p crossPersonaSearchParams) includeShared() bool {
	return p.IncludeShared == nil || *p.IncludeShared
}

func (p crossPersonaSearchParams) includePublic() bool {
	return p.IncludePublic == nil || *p.IncludePublic
}

type memoryStoreParams struct {
	PersonaID        string            `json:"persona_id,omitempty"`
	Content          string            `json:"content"`
	Type             string            `json:"memory_type,omitempty"`
	Importance       float64           `json:"importance,omitempty"`
	EmotionalValence float64           `json:"emotional_valence,omitempty"`
	RelatedPersonas  []string          `json:"related_personas,omitempty"`
	Visibility       string            `json:"visibility,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type memoryPruneParams struct {
	PersonaID string `json:"persona_id,omitempty"`
	Keep      int    `json:"keep,omitempty"`
}

type memoryDecayForceParams struct {
	PersonaID string  `json:"persona_id"`
	Factor    float64 `json:"factor"`
}

func (p memoryDecayForceParams) validate() error {
	if p.PersonaID == "" {
		return fmt.Errorf("persona_id is required: %w", domain.ErrInvalidInput)
	}
	if p.Factor <= 0 || p.Factor >= 1 {
		return fmt.Errorf("factor must be in (0,1): %w", domain.ErrInvalidInput)
	}
	return nil
}

type relationshipPairParams struct {
	Persona1ID string `json:"persona1_id"`
	Persona2ID string `json:"persona2_id"`
}

func (p relationshipPairParams) validate() error {
	if p.Persona1ID == "" || p.Persona2ID == "" {
		return fmt.Errorf("persona1_id and persona2_id are required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type relationshipUpdateParams struct {
	Persona1ID string `json:"persona1_id"`
	Persona2ID string `json:"persona2_id"`
	Type       string `json:"relationship_type"`
}

func (p relationshipUpdateParams) validate() error {
	if p.Persona1ID == "" || p.Persona2ID == "" {
		return fmt.Errorf("persona1_id and persona2_id are required: %w", domain.ErrInvalidInput)
	}
	if !domain.ValidRelationshipType(p.Type) {
		return fmt.Errorf("unknown relationship type %q: %w", p.Type, domain.ErrInvalidInput)
	}
	return nil
}

type conversationStartParams struct {
	InitiatorID string  `json:"initiator_id"`
	TargetID    string  `json:"target_id"`
	Topic       string  `json:"topic,omitempty"`
	MaxDuration float64 `json:"max_duration,omitempty"`
	TokenBudget int     `json:"token_budget,omitempty"`
}

func (p conversationStartParams) validate() error {
	if p.InitiatorID == "" || p.TargetID == "" {
		return fmt.Errorf("initiator_id and target_id are required: %w", domain.ErrInvalidInput)
	}
	if p.MaxDuration < 0 {
		return fmt.Errorf("max_duration must be non-negative: %w", domain.ErrInvalidInput)
	}
	if p.TokenBudget < 0 {
		return fmt.Errorf("token_budget must be non-negative: %w", domain.ErrInvalidInput)
	}
	return nil
}

type conversationTurnParams struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message,omitempty"`
	Topic          string `json:"topic,omitempty"`
}

func (p conversationTurnParams) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversation_id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type conversationEndParams struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

func (p conversationEndParams) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversation_id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type conversationIDParams struct {
	ConversationID string `json:"conversation_id"`
}

func (p conversationIDParams) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversation_id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type emotionalUpdateParams struct {
	PersonaID     string   `json:"persona_id,omitempty"`
	Mood          *float64 `json:"mood,omitempty"`
	EnergyLevel   *float64 `json:"energy_level,omitempty"`
	StressLevel   *float64 `json:"stress_level,omitempty"`
	Curiosity     *float64 `json:"curiosity,omitempty"`
	SocialBattery *float64 `json:"social_battery,omitempty"`
}

type streamCancelParams struct {
	StreamID string `json:"stream_id"`
}

func (p streamCancelParams) validate() error {
	if p.StreamID == "" {
		return fmt.Errorf("stream_id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

type visualUpdateParams struct {
	State map[string]interface{} `json:"state"`
}

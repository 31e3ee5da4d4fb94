package service

import (
	"fmt"
	"sort"
	"strings"

	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
)

// PromptContext reúne todo lo que el builder condensa en el prompt de
// un turno.
type PromptContext struct {
	Speaker     *domain.Persona
	Listener    *domain.Persona
	Relation    *domain.Relationship
	Emotional   *domain.EmotionalState
	Memories    []domain.Memory
	RecentTurns []domain.ConversationTurn
	Topic       string
	Message     string
	Constraints llm.Constraints
}

// BuildTurnPrompt arma el prompt de generación de un turno: identidad,
// estado afectivo, vínculo, memorias relevantes y los últimos turnos.
func BuildTurnPrompt(pc PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s.", pc.Speaker.Name)
	if pc.Speaker.Description != "" {
		fmt.Fprintf(&b, " %s", pc.Speaker.Description)
	}
	b.WriteString("\n")

	if len(pc.Speaker.PersonalityTraits) > 0 {
		b.WriteString("Personality: ")
		b.WriteString(formatTraits(pc.Speaker.PersonalityTraits))
		b.WriteString(".\n")
	}

	if pc.Emotional != nil {
		fmt.Fprintf(&b, "Current mood: %s; energy %s; stress %s.\n",
			moodLabel(pc.Emotional.Mood),
			levelLabel(pc.Emotional.EnergyLevel),
			levelLabel(pc.Emotional.StressLevel))
	}

	if pc.Listener != nil {
		fmt.Fprintf(&b, "You are talking with %s", pc.Listener.Name)
		if pc.Relation != nil {
			fmt.Fprintf(&b, ", your %s", pc.Relation.Type)
		}
		b.WriteString(".\n")
	}

	if len(pc.Memories) > 0 {
		b.WriteString("You remember:\n")
		for _, m := range pc.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	if len(pc.RecentTurns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range pc.RecentTurns {
			fmt.Fprintf(&b, "%s: %s\n", t.SpeakerID, t.Content)
		}
	}

	if pc.Topic != "" {
		fmt.Fprintf(&b, "The conversation is about %s.\n", pc.Topic)
	}
	if pc.Message != "" {
		fmt.Fprintf(&b, "They just said: %q\n", pc.Message)
	}

	if pc.Constraints.Style == "concise" {
		b.WriteString("Keep your reply short and to the point.\n")
	}
	if pc.Constraints.PrepareExit {
		b.WriteString("You are running out of time; start wrapping up the conversation politely.\n")
	}
	if len(pc.Constraints.AvoidTopics) > 0 {
		fmt.Fprintf(&b, "Avoid these topics: %s.\n", strings.Join(pc.Constraints.AvoidTopics, ", "))
	}

	b.WriteString("Reply in character, first person, without narration.")
	return b.String()
}

func formatTraits(traits map[string]float64) string {
	var strong, mild []string
	for trait, v := range traits {
		switch {
		case v >= 0.7:
			strong = append(strong, "very "+trait)
		case v >= 0.4:
			mild = append(mild, trait)
		}
	}
	// Orden estable para prompts reproducibles.
	sort.Strings(strong)
	sort.Strings(mild)
	return strings.Join(append(strong, mild...), ", ")
}

func moodLabel(mood float64) string {
	switch {
	case mood >= 0.5:
		return "very good"
	case mood >= 0.15:
		return "good"
	case mood <= -0.5:
		return "very bad"
	case mood <= -0.15:
		return "bad"
	default:
		return "neutral"
	}
}

func levelLabel(v float64) string {
	switch {
	case v >= 0.7:
		return "high"
	case v >= 0.35:
		return "moderate"
	default:
		return "low"
	}
}

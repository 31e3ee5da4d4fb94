package service

import (
	"math"
	"regexp"
	"strings"

	"persona-mcp/internal/domain"
)

// ImportanceScorer calcula la importancia de una memoria de forma
// determinística a partir de contenido, hablante y contexto.
type ImportanceScorer struct{}

// ScoreContext es el contexto opcional de scoring de una memoria.
type ScoreContext struct {
	ContinueScore int
	Topic         string
	TurnNumber    int
	Relationship  *domain.Relationship
}

// Léxico emocional: término -> score base.
var highIntensityTerms = map[string]float64{
	"love": 0.95, "hate": 0.95, "death": 0.95, "died": 0.9, "betrayed": 0.95,
	"terrified": 0.9, "devastated": 0.9, "furious": 0.85, "heartbroken": 0.95,
	"ecstatic": 0.85, "horrified": 0.9, "despise": 0.85,
}

var mediumIntensityTerms = map[string]float64{
	"angry": 0.7, "scared": 0.7, "excited": 0.65, "worried": 0.6, "proud": 0.65,
	"ashamed": 0.75, "jealous": 0.7, "grateful": 0.6, "disappointed": 0.65,
	"anxious": 0.65, "thrilled": 0.7, "upset": 0.55,
}

var lowIntensityTerms = map[string]float64{
	"happy": 0.4, "sad": 0.4, "annoyed": 0.3, "pleased": 0.3, "curious": 0.25,
	"bored": 0.2, "tired": 0.2, "fine": 0.2, "okay": 0.2,
}

// Patrones de contexto: situaciones que elevan la importancia.
var contextPatterns = []struct {
	re    *regexp.Regexp
	score float64
}{
	{regexp.MustCompile(`(?i)\b(emergency|urgent|help me|crisis|danger)\b`), 0.9},
	{regexp.MustCompile(`(?i)\b(secret|confidential|don't tell|between us)\b`), 0.85},
	{regexp.MustCompile(`(?i)\b(first time|never before|finally)\b`), 0.7},
	{regexp.MustCompile(`(?i)\b(promise|swear|vow|i will always|i will never)\b`), 0.75},
	{regexp.MustCompile(`(?i)\b(fight|argument|conflict|disagree|yelled)\b`), 0.65},
	{regexp.MustCompile(`(?i)\b(birthday|anniversary|wedding|funeral)\b`), 0.6},
	{regexp.MustCompile(`(?i)\b(decided|decision|choose|chosen)\b`), 0.5},
}

var infoSeekingPhrases = []string{
	"what do you think", "how do you", "can you explain", "tell me about",
	"why is", "why do", "what is", "how does",
}

var opinionWords = []string{
	"i think", "i believe", "in my opinion", "i feel that", "personally",
	"i disagree", "i agree",
}

// Score calcula importance en [0.1, 1.0] con los seis componentes
// aditivos y aplica el multiplicador por tipo.
func (ImportanceScorer) Score(content string, speaker *domain.Persona, memType domain.MemoryType, ctx ScoreContext) float64 {
	imp := 0.30 +
		0.25*emotionalScore(content) +
		0.20*contextScore(content, ctx) +
		0.15*interestAlignment(content, speaker) +
		0.10*engagementSignals(content) +
		0.10*relationshipFactor(ctx.Relationship) +
		0.05*1.0 // recency: las memorias se puntúan al crearse

	imp = clamp01Range(imp, 0.1, 1.0)
	imp *= memType.TypeMultiplier()
	return clamp01Range(imp, 0.1, 1.0)
}

func emotionalScore(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.0
	for term, s := range highIntensityTerms {
		if containsWord(lower, term) && s > score {
			score = s
		}
	}
	if score == 0 {
		for term, s := range mediumIntensityTerms {
			if containsWord(lower, term) && s > score {
				score = s
			}
		}
	}
	if score == 0 {
		for term, s := range lowIntensityTerms {
			if containsWord(lower, term) && s > score {
				score = s
			}
		}
	}

	if strings.Count(content, "!") >= 3 && score < 0.8 {
		score = 0.8
	}
	if capsRatio(content) > 0.3 && score < 0.7 {
		score = 0.7
	}
	return clamp01(score)
}

func contextScore(content string, ctx ScoreContext) float64 {
	score := 0.0
	for _, p := range contextPatterns {
		if p.re.MatchString(content) && p.score > score {
			score = p.score
		}
	}
	if ctx.ContinueScore >= 80 {
		score += 0.2
	} else if ctx.ContinueScore >= 60 {
		score += 0.1
	}
	if ctx.Topic != "" && strings.Contains(strings.ToLower(content), strings.ToLower(ctx.Topic)) {
		score += 0.1
	}
	return clamp01(score)
}

func interestAlignment(content string, speaker *domain.Persona) float64 {
	if speaker == nil {
		return 0.3
	}
	lower := strings.ToLower(content)
	best := -1.0
	for topic, pref := range speaker.TopicPreferences {
		if strings.Contains(lower, strings.ToLower(topic)) {
			norm := pref / 100.0
			if norm > best {
				best = norm
			}
		}
	}
	if best >= 0 {
		return clamp01(best)
	}
	// Sin tema reconocido: default por rasgo de curiosidad si existe.
	if v, ok := speaker.PersonalityTraits["curiosity"]; ok {
		return clamp01(v)
	}
	return 0.3
}

func engagementSignals(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.0
	if strings.Contains(content, "?") {
		score += 0.25
	}
	if strings.Contains(content, "!") {
		score += 0.15
	}
	for _, phrase := range infoSeekingPhrases {
		if strings.Contains(lower, phrase) {
			score += 0.2
			break
		}
	}
	for _, phrase := range opinionWords {
		if strings.Contains(lower, phrase) {
			score += 0.15
			break
		}
	}

	words := len(strings.Fields(content))
	switch {
	case words >= 50:
		score += 0.3
	case words >= 20:
		score += 0.2
	case words >= 10:
		score += 0.1
	}
	return clamp01(score)
}

func relationshipFactor(rel *domain.Relationship) float64 {
	if rel == nil {
		return 0.3
	}
	strength := math.Abs(rel.Strength())
	switch {
	case strength >= 0.8:
		return 0.9
	case strength >= 0.6:
		return 0.7
	default:
		return 0.5
	}
}

func containsWord(lower, word string) bool {
	idx := strings.Index(lower, word)
	for idx >= 0 {
		before := idx == 0 || !isLetter(lower[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(lower) || !isLetter(lower[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(lower[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func capsRatio(content string) float64 {
	var caps, letters int
	for _, r := range content {
		if r >= 'A' && r <= 'Z' {
			caps++
			letters++
		} else if r >= 'a' && r <= 'z' {
			letters++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(caps) / float64(letters)
}

func clamp01(v float64) float64 {
	return clamp01Range(v, 0, 1)
}

func clamp01Range(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

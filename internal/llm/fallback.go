package llm

import (
	"hash/fnv"
	"math"

	"persona-mcp/internal/domain"
)

// fallbacksByPriority son las respuestas enlatadas cuando el backend
// falla o el tier es template. Elegidas por prioridad del hablante.
var fallbacksByPriority = map[domain.Priority][]string{
	domain.PriorityUrgent: {
		"I really can't talk right now, something urgent came up.",
		"Sorry, I have to deal with something pressing. Later?",
	},
	domain.PriorityImportant: {
		"I only have a moment, but go ahead.",
		"Let's keep this brief, I have things pending.",
	},
	domain.PriorityCasual: {
		"Hm, interesting. Tell me more sometime.",
		"Ha, that's one way to put it.",
	},
	domain.PrioritySocial: {
		"Good to see you around!",
		"Always nice chatting with you.",
	},
	domain.PriorityAcademic: {
		"That's worth thinking about more carefully.",
		"I'd have to check my notes on that.",
	},
	domain.PriorityBusiness: {
		"Let's circle back to that when I have the figures.",
		"Noted. I'll look into it.",
	},
	domain.PriorityNone: {
		"Mm-hm.",
		"I see.",
	},
}

var lowEnergyFallbacks = []string{
	"Sorry, I'm drained. Can we pick this up later?",
	"I don't have the energy for this right now.",
}

// FallbackResponse elige una respuesta enlatada según prioridad y
// energía del hablante. Determinística por contenido para que los tests
// sean reproducibles.
func FallbackResponse(priority domain.Priority, socialEnergy float64, seed string) string {
	if socialEnergy <= 20 {
		return pick(lowEnergyFallbacks, seed)
	}
	lines, ok := fallbacksByPriority[priority]
	if !ok || len(lines) == 0 {
		lines = fallbacksByPriority[domain.PriorityNone]
	}
	return pick(lines, seed)
}

func pick(lines []string, seed string) string {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return lines[int(h.Sum32())%len(lines)]
}

// DeterministicEmbedding genera un embedding pseudoaleatorio estable a
// partir del texto. Mantiene vivo el doble write de memorias cuando el
// modelo de embeddings no está disponible; la similitud resultante es
// degradada pero estable.
func DeterministicEmbedding(text string) []float32 {
	const dim = 768
	out := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()
	var norm float64
	for i := 0; i < dim; i++ {
		// xorshift64
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)) / float64(math.MaxInt64)
		out[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range out {
			out[i] /= n
		}
	}
	return out
}

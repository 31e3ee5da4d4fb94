package llm

import "context"

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	Response  string
	Chunks    []string
	Embedding []float32
	Err       error
	StreamErr error

	Prompts []string // prompts recibidos, para inspección en tests
}

func (m *MockClient) Generate(ctx context.Context, prompt string, _ Constraints) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	return m.Response, m.Err
}

func (m *MockClient) GenerateStream(ctx context.Context, prompt string, _ Constraints) (<-chan StreamDelta, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(chan StreamDelta, len(m.Chunks)+1)
	for _, c := range m.Chunks {
		out <- StreamDelta{Text: c}
	}
	if m.StreamErr != nil {
		out <- StreamDelta{Err: m.StreamErr}
	}
	close(out)
	return out, nil
}

func (m *MockClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Embedding != nil {
		return m.Embedding, nil
	}
	return DeterministicEmbedding(text), nil
}

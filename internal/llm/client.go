package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Constraints son las restricciones de generación derivadas del tier.
type Constraints struct {
	Creativity  float64  // mapea a temperature
	MaxLength   int      // tope de palabras; mapea a max_tokens
	Style       string   // "concise" baja temperature y acota longitud
	PrepareExit bool     // pide cerrar la conversación con elegancia
	AvoidTopics []string // temas a evitar en la respuesta
}

// Temperature deriva la temperatura efectiva de las restricciones.
func (c Constraints) Temperature(base float64) float64 {
	t := base
	if c.Creativity > 0 {
		t = c.Creativity
	}
	if c.Style == "concise" {
		t *= 0.7
	}
	if t <= 0 {
		t = 0.7
	}
	return t
}

// MaxTokens deriva el tope de tokens predicho (palabras * 1.3).
func (c Constraints) MaxTokens(fallback int) int {
	if c.MaxLength <= 0 {
		return fallback
	}
	return int(float64(c.MaxLength) * 1.3)
}

// StreamDelta es un fragmento de respuesta en streaming.
type StreamDelta struct {
	Text string
	Err  error
}

// Client define el contrato del gateway hacia el backend local.
type Client interface {
	Generate(ctx context.Context, prompt string, c Constraints) (string, error)
	GenerateStream(ctx context.Context, prompt string, c Constraints) (<-chan StreamDelta, error)
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// HTTPClient implementa Client contra una API OpenAI-compatible.
type HTTPClient struct {
	baseURL      string
	model        string
	embedModel   string
	baseTemp     float64
	maxTokens    int
	chunkTimeout time.Duration
	client       *http.Client
	streamClient *http.Client
}

// NewHTTPClient construye un cliente HTTP apuntando a la API de chat completions.
func NewHTTPClient(baseURL, model, embedModel string, baseTemp float64, maxTokens int, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		embedModel:   embedModel,
		baseTemp:     baseTemp,
		maxTokens:    maxTokens,
		chunkTimeout: timeout,
		client:       &http.Client{Timeout: timeout},
		// El cliente de streaming no lleva timeout global: el corte es
		// por chunk, con un watchdog que cancela la request.
		streamClient: &http.Client{},
	}
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string, cons Constraints) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("llm base url not configured")
	}
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cons.Temperature(c.baseTemp),
		MaxTokens:   cons.MaxTokens(c.maxTokens),
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("llm http error: status=%d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("llm api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("llm empty response")
	}
	return cr.Choices[0].Message.Content, nil
}

// GenerateStream emite deltas parseados del protocolo line-delimited del
// backend. Las líneas malformadas se saltan; cualquier error termina el
// stream con un único delta de error.
func (c *HTTPClient) GenerateStream(ctx context.Context, prompt string, cons Constraints) (<-chan StreamDelta, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("llm base url not configured")
	}
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cons.Temperature(c.baseTemp),
		MaxTokens:   cons.MaxTokens(c.maxTokens),
		Stream:      true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("llm http error: status=%d", resp.StatusCode)
	}

	out := make(chan StreamDelta, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer cancel()

		// Watchdog de chunk: si el backend se queda mudo, cancela.
		watchdog := time.AfterFunc(c.chunkTimeout, cancel)
		defer watchdog.Stop()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			watchdog.Reset(c.chunkTimeout)
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			line = strings.TrimPrefix(line, "data:")
			line = strings.TrimSpace(line)
			if line == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue // línea malformada
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- StreamDelta{Text: delta}:
				case <-streamCtx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			out <- StreamDelta{Err: fmt.Errorf("read stream: %w", err)}
		}
	}()

	return out, nil
}

func (c *HTTPClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("llm base url not configured")
	}
	reqBody := embeddingRequest{Model: c.embedModel, Input: text}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embeddings http error: status=%d", resp.StatusCode)
	}

	var er embeddingResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(er.Data) == 0 || len(er.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return er.Data[0].Embedding, nil
}

// ListModels consulta los modelos disponibles en el backend.
func (c *HTTPClient) ListModels(ctx context.Context) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("llm base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("models http error: status=%d", resp.StatusCode)
	}
	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	models := make([]string, 0, len(mr.Data))
	for _, m := range mr.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

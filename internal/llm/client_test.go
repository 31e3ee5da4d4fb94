package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"persona-mcp/internal/domain"
)

func TestConstraints_TemperatureAndTokens(t *testing.T) {
	c := Constraints{Creativity: 0.8, MaxLength: 100}
	if got := c.Temperature(0.5); got != 0.8 {
		t.Fatalf("expected creativity to override base temp, got %v", got)
	}
	if got := c.MaxTokens(512); got != 130 {
		t.Fatalf("expected 100*1.3=130 tokens, got %v", got)
	}

	c = Constraints{Style: "concise"}
	if got := c.Temperature(1.0); got != 0.7 {
		t.Fatalf("expected concise to scale temp to 0.7, got %v", got)
	}
	if got := c.MaxTokens(512); got != 512 {
		t.Fatalf("expected fallback tokens, got %v", got)
	}
}

func TestGenerate_ParsesChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hola"}}]}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "m", "e", 0.7, 256, time.Second)
	got, err := c.Generate(context.Background(), "hi", Constraints{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "hola" {
		t.Fatalf("expected hola, got %q", got)
	}
}

func TestGenerateStream_SkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`data: {"choices":[{"delta":{"content":"a"}}]}`,
			`not json at all`,
			`data: {"choices":[{"delta":{"content":"b"}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "m", "e", 0.7, 256, time.Second)
	ch, err := c.GenerateStream(context.Background(), "hi", Constraints{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var full strings.Builder
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("unexpected delta error: %v", d.Err)
		}
		full.WriteString(d.Text)
	}
	if full.String() != "ab" {
		t.Fatalf("expected ab, got %q", full.String())
	}
}

func TestCreateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "m", "e", 0.7, 256, time.Second)
	vec, err := c.CreateEmbedding(context.Background(), "text")
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vec))
	}
}

func TestFallbackResponse_LowEnergyWins(t *testing.T) {
	got := FallbackResponse(domain.PrioritySocial, 15, "seed")
	found := false
	for _, l := range lowEnergyFallbacks {
		if got == l {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected low-energy fallback, got %q", got)
	}
}

func TestFallbackResponse_Deterministic(t *testing.T) {
	a := FallbackResponse(domain.PriorityCasual, 100, "same")
	b := FallbackResponse(domain.PriorityCasual, 100, "same")
	if a != b {
		t.Fatalf("expected deterministic pick, got %q vs %q", a, b)
	}
}

func TestDeterministicEmbedding_StableAndNormalized(t *testing.T) {
	a := DeterministicEmbedding("hello")
	b := DeterministicEmbedding("hello")
	if len(a) != 768 {
		t.Fatalf("expected 768 dims, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at dim %d", i)
		}
	}
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Fatalf("expected unit norm, got %v", norm)
	}
}

package eval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/driveqa/driveqa/internal/ollama"
)

type mockChatClient struct {
	chatFn func(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

func (m *mockChatClient) Chat(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error) {
	return m.chatFn(ctx, cfg, messages, schema)
}

func TestEvaluate(t *testing.T) {
	calls := 0
	client := &mockChatClient{chatFn: func(_ context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, _ *ollama.Schema) (string, error) {
		calls++
		if cfg.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", cfg.Temperature)
		}
		if cfg.Model != "phi3.5" {
			t.Errorf("model = %s", cfg.Model)
		}
		if strings.Contains(messages[0].Content, "how relevant") {
			return "4", nil
		}
		return "5", nil
	}}

	e := NewEvaluator(client, "phi3.5")
	score, err := e.Evaluate(context.Background(), "what is the job?", "John is an engineer.", "John works as an engineer.")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if calls != 2 {
		t.Errorf("judge called %d times, want 2", calls)
	}
	if score.Relevance != 4 || score.Completeness != 5 {
		t.Errorf("score = %+v", score)
	}
	if score.Overall != 4.5 {
		t.Errorf("overall = %v, want 4.5", score.Overall)
	}
}

func TestEvaluateModelFailure(t *testing.T) {
	client := &mockChatClient{chatFn: func(_ context.Context, _ ollama.GenerateConfig, _ []ollama.Message, _ *ollama.Schema) (string, error) {
		return "", errors.New("model unavailable")
	}}

	e := NewEvaluator(client, "phi3.5")
	score, err := e.Evaluate(context.Background(), "q", "ctx", "a")
	if err == nil {
		t.Fatal("expected error")
	}
	if score != nil {
		t.Errorf("score = %+v, want nil on failure", score)
	}
}

func TestParseRating(t *testing.T) {
	cases := []struct {
		resp string
		want int
		ok   bool
	}{
		{"4", 4, true},
		{"  5\n", 5, true},
		{"Rating: 3.", 3, true},
		{"I'd say 2 out of 5", 2, true},
		{"9", 5, true}, // clamped to the scale
		{"no digits here", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := parseRating(tc.resp)
		if tc.ok && err != nil {
			t.Errorf("parseRating(%q): %v", tc.resp, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("parseRating(%q) succeeded with %d, want error", tc.resp, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("parseRating(%q) = %d, want %d", tc.resp, got, tc.want)
		}
	}
}

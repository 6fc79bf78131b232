package relevance

import (
	"context"
	"errors"
	"testing"

	"github.com/driveqa/driveqa/internal/ollama"
)

type mockChatClient struct {
	chatFn func(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

func (m *mockChatClient) Chat(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error) {
	return m.chatFn(ctx, cfg, messages, schema)
}

func TestLLMClassifierParsesEntities(t *testing.T) {
	var gotModel string
	var gotTemp float64
	client := &mockChatClient{chatFn: func(_ context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error) {
		gotModel = cfg.Model
		gotTemp = cfg.Temperature
		if schema == nil {
			t.Error("expected a JSON schema for structured output")
		}
		if len(messages) != 2 || messages[1].Content != "where does John work?" {
			t.Errorf("messages = %+v", messages)
		}
		return `{"entities": ["John", "Acme"]}`, nil
	}}

	c := NewLLMClassifier(client, "phi3.5")
	entities := c.Entities("where does John work?")

	if gotModel != "phi3.5" {
		t.Errorf("model = %q", gotModel)
	}
	if gotTemp != 0 {
		t.Errorf("temperature = %v, want 0", gotTemp)
	}
	if len(entities) != 2 || entities[0] != "John" || entities[1] != "Acme" {
		t.Errorf("entities = %v", entities)
	}
}

func TestLLMClassifierFallsBackOnError(t *testing.T) {
	client := &mockChatClient{chatFn: func(_ context.Context, _ ollama.GenerateConfig, _ []ollama.Message, _ *ollama.Schema) (string, error) {
		return "", errors.New("model unavailable")
	}}

	c := NewLLMClassifier(client, "phi3.5")
	entities := c.Entities("where does John work?")

	// The heuristic still finds the capitalized name.
	if len(entities) != 1 || entities[0] != "John" {
		t.Errorf("entities = %v, want heuristic result [John]", entities)
	}
}

func TestLLMClassifierFallsBackOnBadJSON(t *testing.T) {
	client := &mockChatClient{chatFn: func(_ context.Context, _ ollama.GenerateConfig, _ []ollama.Message, _ *ollama.Schema) (string, error) {
		return "Sure! The entities are John and Acme.", nil
	}}

	c := NewLLMClassifier(client, "phi3.5")
	entities := c.Entities("where does John work?")

	if len(entities) != 1 || entities[0] != "John" {
		t.Errorf("entities = %v, want heuristic result [John]", entities)
	}
}

func TestLLMClassifierEmptyQuery(t *testing.T) {
	client := &mockChatClient{chatFn: func(_ context.Context, _ ollama.GenerateConfig, _ []ollama.Message, _ *ollama.Schema) (string, error) {
		t.Fatal("empty query must not call the model")
		return "", nil
	}}

	if entities := NewLLMClassifier(client, "phi3.5").Entities(""); entities != nil {
		t.Errorf("entities = %v", entities)
	}
}

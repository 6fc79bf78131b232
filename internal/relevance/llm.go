package relevance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/driveqa/driveqa/internal/ollama"
)

const classifyTimeout = 3 * time.Second

const classifySystemPrompt = `You are an entity extraction engine. Analyze the user's question and output ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Extract the named entities (people, organizations, projects) the question is about.
- Ignore generic nouns and question words; only proper names count.
- Return an empty list when the question names nobody in particular.`

// ChatClient is the one-shot chat surface used for model-backed classification.
type ChatClient interface {
	Chat(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// LLMClassifier extracts entities with a fast local model and structured
// output. Any failure (timeout, model error, malformed JSON) falls back to
// the heuristic, so a slow or missing model never blocks answering.
type LLMClassifier struct {
	client   ChatClient
	model    string
	fallback HeuristicClassifier
}

// NewLLMClassifier creates a model-backed classifier using the given model.
func NewLLMClassifier(client ChatClient, model string) *LLMClassifier {
	return &LLMClassifier{client: client, model: model}
}

func (c *LLMClassifier) Entities(query string) []string {
	if query == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	raw, err := c.client.Chat(ctx,
		ollama.GenerateConfig{Model: c.model, Temperature: 0},
		[]ollama.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: query},
		},
		entitySchema(),
	)
	if err != nil {
		slog.Warn("entity extraction chat failed, using heuristic", "error", err)
		return c.fallback.Entities(query)
	}

	var result struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal entities from model response", "error", err, "response", raw)
		return c.fallback.Entities(query)
	}
	return result.Entities
}

func entitySchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"entities": {Type: "array", Description: "Named entities the question is about"},
		},
		Required: []string{"entities"},
	}
}

// Package eval scores generated answers against a rubric using a small
// judge model. Scores are advisory: a failed evaluation never blocks an
// answer, it just goes unscored.
package eval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/driveqa/driveqa/internal/ollama"
)

// Score is the rubric result for one answer. Relevance and Completeness are
// on a 0 to 5 scale; Overall is their average rounded to two decimals.
type Score struct {
	Relevance    int     `json:"relevance"`
	Completeness int     `json:"completeness"`
	Overall      float64 `json:"overall"`
}

const relevancePrompt = `You are evaluating a question answering system.

Question: %s

Answer: %s

On a scale of 0 to 5, how relevant is the answer to the question? 0 means completely off topic, 5 means it addresses exactly what was asked.

Reply with a single digit and nothing else.`

const completenessPrompt = `You are evaluating a question answering system.

Context provided to the system:
%s

Question: %s

Answer: %s

On a scale of 0 to 5, how completely does the answer cover the relevant information available in the context? 0 means it ignores the context entirely, 5 means nothing relevant was left out.

Reply with a single digit and nothing else.`

// ChatClient is the one-shot chat surface of the Ollama client.
type ChatClient interface {
	Chat(ctx context.Context, cfg ollama.GenerateConfig, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// Evaluator runs the rubric with a judge model at temperature zero, so
// repeated evaluations of the same answer agree.
type Evaluator struct {
	client ChatClient
	model  string
}

// NewEvaluator creates an Evaluator using the given judge model.
func NewEvaluator(client ChatClient, model string) *Evaluator {
	return &Evaluator{client: client, model: model}
}

// Evaluate scores an answer for relevance and completeness. Any model or
// parse failure returns an error and no partial score.
func (e *Evaluator) Evaluate(ctx context.Context, question, contextText, answer string) (*Score, error) {
	relevance, err := e.rate(ctx, fmt.Sprintf(relevancePrompt, question, answer))
	if err != nil {
		return nil, fmt.Errorf("rating relevance: %w", err)
	}

	completeness, err := e.rate(ctx, fmt.Sprintf(completenessPrompt, contextText, question, answer))
	if err != nil {
		return nil, fmt.Errorf("rating completeness: %w", err)
	}

	overall := math.Round(float64(relevance+completeness)/2*100) / 100
	return &Score{
		Relevance:    relevance,
		Completeness: completeness,
		Overall:      overall,
	}, nil
}

func (e *Evaluator) rate(ctx context.Context, prompt string) (int, error) {
	resp, err := e.client.Chat(ctx, ollama.GenerateConfig{Model: e.model, Temperature: 0},
		[]ollama.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return 0, err
	}
	return parseRating(resp)
}

// parseRating extracts the rating from a judge reply. Small models sometimes
// pad the digit with filler ("Rating: 4."), so the first digit in the reply
// wins. Digits above 5 are clamped to the scale.
func parseRating(resp string) (int, error) {
	for _, r := range strings.TrimSpace(resp) {
		if unicode.IsDigit(r) {
			rating := int(r - '0')
			if rating > 5 {
				rating = 5
			}
			return rating, nil
		}
	}
	return 0, fmt.Errorf("no rating digit in reply %q", resp)
}

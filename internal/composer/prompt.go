// Package composer assembles the model prompt from retrieved chunks and the
// user's question, under a token budget and a named prompt template.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/driveqa/driveqa/internal/index"
)

const defaultMaxContextTokens = 4000

// DefaultTemplate is used when no template is named or the name is unknown.
const DefaultTemplate = "default"

var templates = map[string]string{
	"default": `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

{context}

Question: {question}
Helpful Answer:`,

	"detailed": `Use the following pieces of context to answer the question at the end. Give a thorough answer that covers every relevant detail found in the context, and name the source document for each fact you use. If you don't know the answer, just say that you don't know, don't try to make up an answer.

{context}

Question: {question}
Detailed Answer:`,

	"concise": `Use the following pieces of context to answer the question at the end in one or two sentences. If you don't know the answer, just say that you don't know, don't try to make up an answer.

{context}

Question: {question}
Short Answer:`,

	"academic": `You are answering in a formal, academic register. Use the following pieces of context to answer the question at the end, citing the source document for each claim. If the context is insufficient, state that the available material does not answer the question.

{context}

Question: {question}
Answer:`,
}

// TemplateNames returns the available template names in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source identifies a document that contributed context to a prompt.
type Source struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

// Prompt is an assembled prompt with the documents that fed it.
type Prompt struct {
	Text    string
	Sources []Source
}

// Composer fills prompt templates within a context token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the prompt for a question. Chunks are packed highest score
// first until the budget runs out; a chunk that does not fit is skipped in
// favor of smaller ones further down the ranking. An unknown template name
// falls back to the default template.
func (c *Composer) Compose(question string, chunks []index.ScoredChunk, templateName string) Prompt {
	tmpl, ok := templates[templateName]
	if !ok {
		tmpl = templates[DefaultTemplate]
	}

	// Sort chunks by score descending.
	sorted := make([]index.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens

	var entries []string
	var sources []Source
	seenDoc := make(map[string]bool)

	for _, ch := range sorted {
		entry := fmt.Sprintf("[Source: %s]\n%s", ch.Title, ch.Text)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens

		if !seenDoc[ch.DocumentID] {
			seenDoc[ch.DocumentID] = true
			sources = append(sources, Source{DocumentID: ch.DocumentID, Title: ch.Title})
		}
	}

	context := strings.Join(entries, "\n\n")
	if context == "" {
		context = "(no relevant context found)"
	}

	text := strings.NewReplacer(
		"{context}", context,
		"{question}", question,
	).Replace(tmpl)

	return Prompt{Text: text, Sources: sources}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

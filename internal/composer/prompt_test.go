package composer

import (
	"strings"
	"testing"

	"github.com/driveqa/driveqa/internal/index"
)

func testChunk(id, docID, title, text string, score float32) index.ScoredChunk {
	return index.ScoredChunk{
		ChunkRecord: index.ChunkRecord{ID: id, DocumentID: docID, Title: title, Text: text},
		Score:       score,
	}
}

func TestComposeFillsTemplate(t *testing.T) {
	c := New(0)

	p := c.Compose("what is the job?", []index.ScoredChunk{
		testChunk("c1", "resume.txt", "resume", "John is a senior engineer.", 0.9),
	}, "default")

	if !strings.Contains(p.Text, "Question: what is the job?") {
		t.Error("question not in prompt")
	}
	if !strings.Contains(p.Text, "[Source: resume]\nJohn is a senior engineer.") {
		t.Error("annotated chunk not in prompt")
	}
	if strings.Contains(p.Text, "{context}") || strings.Contains(p.Text, "{question}") {
		t.Error("unreplaced placeholder in prompt")
	}
	if len(p.Sources) != 1 || p.Sources[0].Title != "resume" {
		t.Errorf("sources = %+v", p.Sources)
	}
}

func TestComposeUnknownTemplateFallsBack(t *testing.T) {
	c := New(0)

	def := c.Compose("q", nil, "default")
	got := c.Compose("q", nil, "no-such-template")
	if got.Text != def.Text {
		t.Error("unknown template should produce the default prompt")
	}
}

func TestComposeTemplatesDiffer(t *testing.T) {
	c := New(0)
	chunks := []index.ScoredChunk{testChunk("c1", "d1", "doc", "content", 0.9)}

	seen := make(map[string]bool)
	for _, name := range TemplateNames() {
		p := c.Compose("q", chunks, name)
		if seen[p.Text] {
			t.Errorf("template %s produced a duplicate prompt", name)
		}
		seen[p.Text] = true
	}
}

func TestComposeBudget(t *testing.T) {
	big := strings.Repeat("word ", 400) // ~500 tokens
	small := "short fact"

	// Budget admits the small chunk but not the big one, even though the big
	// one scores higher.
	c := New(50)
	p := c.Compose("q", []index.ScoredChunk{
		testChunk("big", "d1", "large doc", big, 0.9),
		testChunk("small", "d2", "small doc", small, 0.5),
	}, "default")

	if strings.Contains(p.Text, "word word") {
		t.Error("oversized chunk should have been skipped")
	}
	if !strings.Contains(p.Text, "short fact") {
		t.Error("small chunk should fit the budget")
	}
	if len(p.Sources) != 1 || p.Sources[0].DocumentID != "d2" {
		t.Errorf("sources = %+v", p.Sources)
	}
}

func TestComposeHighScoreFirst(t *testing.T) {
	c := New(0)
	p := c.Compose("q", []index.ScoredChunk{
		testChunk("lo", "d1", "doc1", "low score text", 0.2),
		testChunk("hi", "d2", "doc2", "high score text", 0.9),
	}, "default")

	hiPos := strings.Index(p.Text, "high score text")
	loPos := strings.Index(p.Text, "low score text")
	if hiPos < 0 || loPos < 0 {
		t.Fatal("both chunks should be present")
	}
	if hiPos > loPos {
		t.Error("higher-scoring chunk should come first")
	}
}

func TestComposeNoChunks(t *testing.T) {
	c := New(0)
	p := c.Compose("q", nil, "default")

	if !strings.Contains(p.Text, "(no relevant context found)") {
		t.Error("empty context placeholder missing")
	}
	if len(p.Sources) != 0 {
		t.Errorf("sources = %+v", p.Sources)
	}
}

func TestComposeDedupesSources(t *testing.T) {
	c := New(0)
	p := c.Compose("q", []index.ScoredChunk{
		testChunk("c1", "d1", "doc", "first chunk", 0.9),
		testChunk("c2", "d1", "doc", "second chunk", 0.8),
	}, "default")

	if len(p.Sources) != 1 {
		t.Errorf("sources = %+v, want one entry per document", p.Sources)
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := EstimateTokens(""); n != 0 {
		t.Errorf("EstimateTokens(empty) = %d", n)
	}
	if n := EstimateTokens("abcd"); n != 1 {
		t.Errorf("EstimateTokens(4 chars) = %d", n)
	}
	if n := EstimateTokens("abcde"); n != 2 {
		t.Errorf("EstimateTokens(5 chars) = %d", n)
	}
}

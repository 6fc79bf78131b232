// Package relevance drops retrieved chunks that are about the wrong entity
// and collapses near-duplicate passages before context assembly.
package relevance

import (
	"log/slog"
	"strings"

	"github.com/driveqa/driveqa/internal/index"
)

// dedupeThreshold is the Jaccard token overlap above which two chunks from
// the same document count as duplicates.
const dedupeThreshold = 0.8

// DocumentTexts supplies a document's full extracted text, implemented by
// *index.Index.
type DocumentTexts interface {
	DocumentText(docID string) (string, error)
}

// Report describes what one filtering pass did.
type Report struct {
	Entities   []string
	Included   int
	Excluded   int
	Deduped    int
	Overridden bool // entity filter rejected everything and was bypassed
}

// Filter applies entity scoping and duplicate collapse to retrieved chunks.
type Filter struct {
	classifier EntityClassifier
}

// NewFilter creates a Filter using the given classifier.
func NewFilter(classifier EntityClassifier) *Filter {
	return &Filter{classifier: classifier}
}

// Apply filters chunks for the query. A chunk survives the entity pass when
// its source document mentions at least one detected entity. If the pass
// would reject every chunk the input is kept unchanged: a wrong guess about
// entities must not turn an answerable question into an empty one. Input
// order is preserved throughout.
func (f *Filter) Apply(chunks []index.ScoredChunk, query string, docs DocumentTexts) ([]index.ScoredChunk, Report) {
	report := Report{Entities: f.classifier.Entities(query)}

	kept := chunks
	if len(report.Entities) > 0 && len(chunks) > 0 {
		kept = f.entityPass(chunks, report.Entities, docs)
		if len(kept) == 0 {
			slog.Debug("entity filter rejected all chunks, keeping original set",
				"entities", report.Entities, "chunks", len(chunks))
			kept = chunks
			report.Overridden = true
		}
	}
	report.Excluded = len(chunks) - len(kept)

	deduped := dedupe(kept)
	report.Deduped = len(kept) - len(deduped)
	report.Included = len(deduped)

	if report.Excluded > 0 || report.Deduped > 0 {
		slog.Debug("filtered retrieved chunks",
			"entities", report.Entities,
			"included", report.Included,
			"excluded", report.Excluded,
			"deduped", report.Deduped)
	}

	return deduped, report
}

// entityPass keeps chunks whose source document mentions any entity,
// case-insensitively. Documents whose text cannot be loaded are kept rather
// than silently dropped.
func (f *Filter) entityPass(chunks []index.ScoredChunk, entities []string, docs DocumentTexts) []index.ScoredChunk {
	lowered := make([]string, len(entities))
	for i, e := range entities {
		lowered[i] = strings.ToLower(e)
	}

	// One text lookup per document, not per chunk.
	mentions := make(map[string]bool)

	var kept []index.ScoredChunk
	for _, c := range chunks {
		match, checked := mentions[c.DocumentID]
		if !checked {
			text, err := docs.DocumentText(c.DocumentID)
			if err != nil {
				slog.Warn("loading document text for entity filter", "doc", c.DocumentID, "error", err)
				match = true
			} else {
				lowerText := strings.ToLower(text)
				for _, e := range lowered {
					if strings.Contains(lowerText, e) {
						match = true
						break
					}
				}
			}
			mentions[c.DocumentID] = match
		}
		if match {
			kept = append(kept, c)
		}
	}
	return kept
}

// dedupe collapses same-document chunks whose token overlap exceeds the
// threshold, keeping the higher-scoring one in its original position.
func dedupe(chunks []index.ScoredChunk) []index.ScoredChunk {
	if len(chunks) <= 1 {
		return chunks
	}

	type keptChunk struct {
		chunk  index.ScoredChunk
		tokens map[string]bool
	}

	var kept []keptChunk
	for _, c := range chunks {
		tokens := tokenSet(c.Text)

		dupIdx := -1
		for i, k := range kept {
			if k.chunk.DocumentID != c.DocumentID {
				continue
			}
			if jaccard(tokens, k.tokens) > dedupeThreshold {
				dupIdx = i
				break
			}
		}

		if dupIdx < 0 {
			kept = append(kept, keptChunk{chunk: c, tokens: tokens})
			continue
		}
		if c.Score > kept[dupIdx].chunk.Score {
			kept[dupIdx] = keptChunk{chunk: c, tokens: tokens}
		}
	}

	result := make([]index.ScoredChunk, len(kept))
	for i, k := range kept {
		result[i] = k.chunk
	}
	return result
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

// jaccard computes intersection over union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

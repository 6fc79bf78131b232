// Package retrieval finds the chunks most relevant to a question, with a
// choice of selection strategy on top of raw similarity search.
package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/driveqa/driveqa/internal/index"
)

// Strategy selects how candidates are chosen from the similarity ranking.
type Strategy string

const (
	// StrategySimilarity returns the top-K most similar chunks.
	StrategySimilarity Strategy = "similarity"
	// StrategyMMR trades relevance against diversity with maximal marginal
	// relevance, useful when the corpus has near-duplicate passages.
	StrategyMMR Strategy = "mmr"
	// StrategyThreshold keeps only chunks scoring at or above a floor.
	StrategyThreshold Strategy = "similarity_score_threshold"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySimilarity, StrategyMMR, StrategyThreshold:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown retrieval strategy %q", s)
}

// Options tunes one retrieval call.
type Options struct {
	Strategy  Strategy
	TopK      int
	FetchK    int     // candidate pool size for MMR; ignored otherwise
	Lambda    float64 // MMR relevance/diversity balance in [0, 1]
	Threshold float64 // minimum score for StrategyThreshold
}

// Searcher is the similarity search surface the Retriever consumes,
// implemented by *index.Index.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]index.ScoredChunk, error)
}

// QueryEmbedder embeds the question text, implemented by *Embedder.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a question and selects chunks per the configured strategy.
type Retriever struct {
	embedder QueryEmbedder
}

// NewRetriever creates a Retriever using the given query embedder.
func NewRetriever(embedder QueryEmbedder) *Retriever {
	return &Retriever{embedder: embedder}
}

// Retrieve returns the chunks selected for the query. An empty index (or a
// threshold that filters everything out) yields an empty result, not an error.
// Results are ordered by score descending; equal scores keep their similarity
// ranking order.
func (r *Retriever) Retrieve(ctx context.Context, searcher Searcher, query string, opts Options) ([]index.ScoredChunk, error) {
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", opts.TopK)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	fetch := opts.TopK
	if opts.Strategy == StrategyMMR {
		fetch = opts.FetchK
		if fetch < opts.TopK {
			fetch = opts.TopK
		}
	}

	candidates, err := searcher.Search(ctx, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	switch opts.Strategy {
	case StrategyMMR:
		return selectMMR(candidates, opts.TopK, opts.Lambda), nil
	case StrategyThreshold:
		var kept []index.ScoredChunk
		for _, c := range candidates {
			if float64(c.Score) >= opts.Threshold {
				kept = append(kept, c)
			}
		}
		if len(kept) > opts.TopK {
			kept = kept[:opts.TopK]
		}
		return kept, nil
	default:
		if len(candidates) > opts.TopK {
			candidates = candidates[:opts.TopK]
		}
		return candidates, nil
	}
}

// selectMMR greedily picks chunks maximizing lambda*relevance minus
// (1-lambda)*redundancy against what has already been picked. Candidates
// arrive sorted by similarity, so ties resolve toward the similarity ranking.
func selectMMR(candidates []index.ScoredChunk, topK int, lambda float64) []index.ScoredChunk {
	if len(candidates) <= 1 {
		return candidates
	}

	selected := make([]index.ScoredChunk, 0, topK)
	remaining := make([]index.ScoredChunk, len(candidates))
	copy(remaining, candidates)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			redundancy := 0.0
			for _, s := range selected {
				if sim := float64(cosineSim(c.Embedding, s.Embedding)); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*float64(c.Score) - (1-lambda)*redundancy
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// cosineSim computes cosine similarity between two vectors.
func cosineSim(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(aSq) * math.Sqrt(bSq)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

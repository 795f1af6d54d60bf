package store

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
)

// Retrieval defaults mirror the store's tuning: a bounded most-recent-first
// candidate window and a floor below which matches are noise.
const (
	candidateWindow = 500
	DefaultTopK     = 3
	DefaultMinScore = 0.35
)

// FindSimilar returns up to topK examples ranked by similarity to the
// question, dropping candidates below minScore. When a query embedding can
// be produced, candidates are scored by cosine similarity against their
// cached (or lazily backfilled) embeddings; candidates with no obtainable
// embedding score lexically instead. When no query embedding is obtainable
// at all, every candidate scores lexically, so retrieval stays available
// and deterministic with the embedding service down.
func (s *Store) FindSimilar(ctx context.Context, question string, topK int, minScore float64) ([]Scored, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	candidates, err := s.List(ctx, candidateWindow)
	if err != nil {
		return nil, err
	}

	var queryVec []float64
	if s.embed != nil {
		if vec, err := s.embed(ctx, question); err == nil {
			queryVec = toFloat64(vec)
		} else {
			s.logger.Warn("query embedding unavailable, falling back to lexical scoring", zap.Error(err))
		}
	}

	var scored []Scored
	for _, item := range candidates {
		var score float64
		if queryVec != nil {
			vec := item.Embedding
			if vec == nil {
				if raw, err := s.embed(ctx, item.Question); err == nil {
					vec = toFloat64(raw)
					s.backfillEmbedding(ctx, item.ID, vec)
				}
			}
			if vec != nil {
				score = cosineSimilarity(queryVec, vec)
			} else {
				// Per-candidate embedding failures are non-fatal.
				score = lexicalScore(question, item.Question)
			}
		} else {
			score = lexicalScore(question, item.Question)
		}
		if score >= minScore {
			scored = append(scored, Scored{Example: item, Score: roundScore(score)})
		}
	}

	// Stable sort keeps most-recent-first order for ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}

package gemini

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"
)

// Embedder generates embeddings using Google's Gemini API. It shares the
// process-wide gate with the generation client so embedding traffic counts
// against the same upstream serialization.
type Embedder struct {
	client *genai.Client
	model  string
	gate   *semaphore.Weighted
	logger *zap.Logger
}

// NewEmbedder creates an embedding client.
func NewEmbedder(apiKey, model string, gate *semaphore.Weighted, logger *zap.Logger) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = "text-embedding-004"
	}
	if gate == nil {
		gate = semaphore.NewWeighted(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Embedder{
		client: client,
		model:  model,
		gate:   gate,
		logger: logger.Named("embed"),
	}, nil
}

// Embed generates an embedding vector for the text. An empty vector from
// the service is treated as a failure.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	e.gate.Release(1)
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}

	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding API returned no vector: %w", ErrEmptyResponse)
	}
	e.logger.Debug("embedded text",
		zap.Int("text_len", len(text)),
		zap.Int("dimensions", len(result.Embeddings[0].Values)))
	return result.Embeddings[0].Values, nil
}

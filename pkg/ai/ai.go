// Package ai defines the embedding provider contract. The pipeline only
// needs batched text-to-vector conversion; provider specifics stay behind
// this interface.
package ai

import "context"

// EmbedResult carries the vectors for one batch, in input order.
type EmbedResult struct {
	Vectors        [][]float32
	Model          string
	Dimensionality int
}

// Embedder converts a batch of texts into embedding vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) (*EmbedResult, error)
	Model() string
	Close() error
}

// Package openai implements the embedding provider against the OpenAI API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/ai"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder calls the OpenAI embeddings endpoint.
type Embedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder returns an embedder for the given API key and model.
func NewEmbedder(apiKey, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, errorsx.Structural("openai api key is empty", nil)
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &Embedder{client: &client, model: model}, nil
}

// Model returns the configured embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Close releases provider resources.
func (e *Embedder) Close() error {
	return nil
}

// EmbedTexts embeds the batch in one API call. Vectors come back in input
// order. API failures are reported as transient so the embed stage retries
// with backoff; a malformed batch is structural.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	if len(texts) == 0 {
		return &ai.EmbedResult{Vectors: [][]float32{}, Model: e.model}, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, errorsx.Structural(fmt.Sprintf("text at index %d is empty", i), nil)
		}
	}

	response, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: e.model,
	})
	if err != nil {
		return nil, errorsx.Transient(fmt.Errorf("openai embeddings call: %w", err))
	}
	if len(response.Data) != len(texts) {
		return nil, errorsx.Transient(fmt.Errorf("openai returned %d embeddings for %d texts", len(response.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	dim := 0
	for _, item := range response.Data {
		vector := make([]float32, len(item.Embedding))
		for j, val := range item.Embedding {
			vector[j] = float32(val)
		}
		vectors[item.Index] = vector
		if len(vector) > dim {
			dim = len(vector)
		}
	}
	return &ai.EmbedResult{
		Vectors:        vectors,
		Model:          e.model,
		Dimensionality: dim,
	}, nil
}

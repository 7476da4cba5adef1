// Package embedding provides a pluggable interface for text embedding providers
// and the timeout-bounded gateway the engine calls them through.
package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/agent-recall/internal/config"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales vec to unit length. Zero vectors are returned unchanged.
func Normalize(vec Vector) Vector {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make(Vector, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// NewFromConfig creates an embedder from the embedding config section.
// Provider "" disables embeddings and returns nil; the engine then serves
// every read in SQL-only mode.
func NewFromConfig(cfg config.EmbeddingConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaEmbedder(cfg.URL, model, cfg.Dims), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, goerr.New("openai provider requires an api key")
		}
		return NewOpenAI(cfg.APIKey, cfg.URL, cfg.Model, cfg.Dims), nil
	case "hash":
		return NewHash(cfg.Dims), nil
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", cfg.Provider))
	}
}

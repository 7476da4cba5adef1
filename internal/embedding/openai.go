package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	openAIDefaultModel = "text-embedding-3-small"
	openAIDefaultDims  = 1536
)

// OpenAIEmbedder uses the OpenAI embeddings API, or any compatible
// provider when a base URL is given.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAI creates an OpenAI embedder.
func NewOpenAI(apiKey, baseURL, model string, dims int) *OpenAIEmbedder {
	if model == "" {
		model = openAIDefaultModel
	}
	if dims == 0 {
		dims = openAIDefaultDims
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{client: &client, model: model, dims: dims}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(e.dims)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "openai embeddings request failed", goerr.V("model", e.model))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.New("no embedding returned", goerr.V("model", e.model))
	}
	src := resp.Data[0].Embedding
	vec := make(Vector, len(src))
	for i, f := range src {
		vec[i] = float32(f)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

package autogen

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder generates vector representations of text, used for semantic
// memory retrieval. Implementations exist for OpenAI-compatible
// embedding endpoints (OpenAI itself, LMStudio) and Gemini.
type Embedder interface {
	// Embed returns one embedding per input text, in order
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// openAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
// LMStudio serves the same API locally, so this covers both the
// 'openai' and 'lmstudio' providers.
type openAIEmbedder struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func newOpenAIEmbedder(
	apiKey string,
	baseURL string,
	model string,
	logger *slog.Logger,
) *openAIEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return &openAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger.With(loggerNameKey, "embeddings"),
	}
}

func (e *openAIEmbedder) Embed(
	ctx context.Context,
	texts []string,
) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(
		ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error generating embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf(
			"expected %d embeddings, got %d", len(texts), len(resp.Data),
		)
	}
	embeddings := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

// geminiEmbedder generates embeddings via the Gemini API.
type geminiEmbedder struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func newGeminiEmbedder(
	client *genai.Client,
	model string,
	logger *slog.Logger,
) *geminiEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &geminiEmbedder{
		client: client,
		model:  model,
		logger: logger.With(loggerNameKey, "embeddings"),
	}
}

func (e *geminiEmbedder) Embed(
	ctx context.Context,
	texts []string,
) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("error generating embeddings: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf(
			"expected %d embeddings, got %d", len(texts), len(res.Embeddings),
		)
	}
	embeddings := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding returned for input %d", i)
		}
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// cosineSimilarity returns the cosine similarity of two vectors, or 0
// if either has zero magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

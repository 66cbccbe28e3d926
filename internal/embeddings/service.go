// Package embeddings turns text into vectors for the knowledge store.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder generates vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service embeds text through an OpenAI-compatible embeddings endpoint.
// Gemini exposes one at the same base URL as its chat endpoint.
type Service struct {
	embedder embeddings.Embedder
	metrics  *recorder
}

// NewService creates an embedding service from cfg. A nil meter uses the
// global meter provider.
func NewService(cfg config.EmbeddingsConfig, meter metric.Meter, logger *zap.Logger) (*Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{
		embedder: embedder,
		metrics:  newRecorder(cfg.Model, meter, logger),
	}, nil
}

// EmbedDocuments generates one vector per text.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	start := time.Now()

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		err = fmt.Errorf("embedding documents: %w", err)
	}
	s.metrics.observe(ctx, "documents", start, texts, err)
	return vectors, err
}

// EmbedQuery generates the vector for a search query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		err = fmt.Errorf("embedding query: %w", err)
	}
	s.metrics.observe(ctx, "query", start, []string{text}, err)
	return vector, err
}

var _ Embedder = (*Service)(nil)

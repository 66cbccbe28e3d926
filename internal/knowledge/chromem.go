package knowledge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/embeddings"
)

var chromemTracer = otel.Tracer("researchd.knowledge.chromem")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the store in memory.
	Path       string
	Compress   bool
	Collection string
	TopK       int
}

// ChromemStore implements Store on chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embeddings.Embedder
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the collection described by cfg.
func NewChromemStore(cfg ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	s := &ChromemStore{db: db, embedder: embedder, config: cfg, logger: logger}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	s.collection = collection

	logger.Info("chromem knowledge store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()))
	return s, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// Put embeds and stores e.
func (s *ChromemStore) Put(ctx context.Context, e Entry) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Put")
	defer span.End()
	start := time.Now()

	if e.Content == "" {
		return "", ErrEmptyContent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.String("task_id", e.TaskID),
		attribute.String("stage", e.Stage),
	)

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{e.Content})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe("chromem", "put", start, err)
		return "", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	doc := chromem.Document{
		ID:        e.ID,
		Content:   e.Content,
		Metadata:  e.metadata(),
		Embedding: vectors[0],
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe("chromem", "put", start, err)
		return "", fmt.Errorf("adding document: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	observe("chromem", "put", start, nil)
	s.logger.Debug("stored knowledge entry",
		zap.String("id", e.ID),
		zap.String("task_id", e.TaskID),
		zap.String("stage", e.Stage))
	return e.ID, nil
}

// Query runs a similarity search capped at the collection size.
func (s *ChromemStore) Query(ctx context.Context, q Query) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	start := time.Now()

	if q.Text == "" {
		return nil, ErrEmptyQuery
	}
	k := q.K
	if k <= 0 {
		k = s.config.TopK
	}
	span.SetAttributes(attribute.String("collection", s.config.Collection), attribute.Int("k", k))

	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		observe("chromem", "query", start, nil)
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}

	where := q.filters()
	if len(where) == 0 {
		where = nil
	}
	results, err := s.collection.Query(ctx, q.Text, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe("chromem", "query", start, err)
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{Entry: entryFromMetadata(r.ID, r.Content, r.Metadata), Score: r.Similarity}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	observe("chromem", "query", start, nil)
	return hits, nil
}

// Count returns the number of stored entries.
func (s *ChromemStore) Count() int { return s.collection.Count() }

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)

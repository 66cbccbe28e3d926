package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
)

// NewStore creates the store named by cfg.Provider. Every call on the
// returned store is bounded by cfg.Timeout, and query hits are reranked by
// term overlap unless cfg.DisableRerank is set.
func NewStore(ctx context.Context, cfg config.KnowledgeConfig, embedder embeddings.Embedder, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case "", "chromem":
		path, perr := config.ExpandPath(cfg.ChromemPath)
		if perr != nil {
			return nil, perr
		}
		store, err = NewChromemStore(ChromemConfig{
			Path:       path,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.Collection,
			TopK:       cfg.TopK,
		}, embedder, logger)
	case "qdrant":
		store, err = NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: uint64(cfg.VectorSize),
			TopK:       cfg.TopK,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.DisableRerank {
		store = WithRerank(store)
	}
	return WithTimeout(store, cfg.Timeout), nil
}

type timeoutStore struct {
	Store
	timeout time.Duration
}

// WithTimeout bounds every Put and Query on store by timeout.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{Store: store, timeout: timeout}
}

func (t *timeoutStore) Put(ctx context.Context, e Entry) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Store.Put(ctx, e)
}

func (t *timeoutStore) Query(ctx context.Context, q Query) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Store.Query(ctx, q)
}

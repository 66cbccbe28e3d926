package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/researchd/internal/embeddings"
)

var qdrantTracer = otel.Tracer("researchd.knowledge.qdrant")

const payloadContent = "content"

// QdrantConfig configures the Qdrant gRPC store.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC port, not the REST port
	UseTLS     bool
	Collection string
	VectorSize uint64
	TopK       int

	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on Qdrant's native gRPC client.
type QdrantStore struct {
	client   *qdrant.Client
	embedder embeddings.Embedder
	config   QdrantConfig
	logger   *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore connects to Qdrant and checks its health. The collection is
// created on first write if missing.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder embeddings.Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, embedder: embedder, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}
	return s, nil
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt >= s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		var exists bool
		err := s.retry(ctx, "collection_exists", func() error {
			var err error
			exists, err = s.client.CollectionExists(ctx, s.config.Collection)
			return err
		})
		if err != nil {
			s.ensureErr = err
			return
		}
		if exists {
			return
		}
		s.ensureErr = s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if s.ensureErr == nil {
			s.logger.Info("created qdrant collection", zap.String("collection", s.config.Collection))
		}
	})
	return s.ensureErr
}

// Put embeds and upserts e.
func (s *QdrantStore) Put(ctx context.Context, e Entry) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Put")
	defer span.End()
	start := time.Now()

	if e.Content == "" {
		return "", ErrEmptyContent
	}
	if _, err := uuid.Parse(e.ID); err != nil {
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

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe("qdrant", "put", start, err)
		return "", err
	}

	if err := s.ensureCollection(ctx); err != nil {
		return fail(fmt.Errorf("ensuring collection %s: %w", s.config.Collection, err))
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{e.Content})
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(e.ID),
		Vectors: qdrant.NewVectors(vectors[0]...),
		Payload: toPayload(e),
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("upserting to %s: %w", s.config.Collection, err))
	}

	span.SetStatus(codes.Ok, "success")
	observe("qdrant", "put", start, nil)
	return e.ID, nil
}

// Query runs a filtered similarity search.
func (s *QdrantStore) Query(ctx context.Context, q Query) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
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

	fail := func(err error) ([]Hit, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe("qdrant", "query", start, err)
		return nil, err
	}

	if err := s.ensureCollection(ctx); err != nil {
		return fail(fmt.Errorf("ensuring collection %s: %w", s.config.Collection, err))
	}
	vector, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         toFilter(q.filters()),
		})
		points = res
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("querying %s: %w", s.config.Collection, err))
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{Entry: fromPayload(p.GetId().GetUuid(), p.Payload), Score: p.Score}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	observe("qdrant", "query", start, nil)
	return hits, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toPayload(e Entry) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadContent: {Kind: &qdrant.Value_StringValue{StringValue: e.Content}},
	}
	for k, v := range e.metadata() {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	return payload
}

func fromPayload(id string, payload map[string]*qdrant.Value) Entry {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		if sv, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
			md[k] = sv.StringValue
		}
	}
	return entryFromMetadata(id, md[payloadContent], md)
}

func toFilter(filters map[string]string) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

var _ Store = (*QdrantStore)(nil)

package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
)

func newChromem(t *testing.T, path string) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{
		Path:       path,
		Collection: "research_knowledge",
		TopK:       3,
	}, embeddings.NewHashEmbedder(64), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestChromemStore_PutAndQuery(t *testing.T) {
	s := newChromem(t, "")
	ctx := context.Background()

	entries := []Entry{
		{TaskID: "t1", Stage: "research", Domain: "Quantum Computing", Agent: "researcher", DocumentType: "research_findings", Content: "surface codes reduce logical qubit error rates"},
		{TaskID: "t1", Stage: "plan", Domain: "Quantum Computing", Agent: "planner", DocumentType: "research_plan", Content: "questions about qubit coherence"},
		{TaskID: "t2", Stage: "research", Domain: "Marine Biology", Agent: "researcher", DocumentType: "research_findings", Content: "coral reefs bleach under heat stress"},
	}
	for _, e := range entries {
		id, err := s.Put(ctx, e)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
	assert.Equal(t, 3, s.Count())

	hits, err := s.Query(ctx, Query{Text: "qubit error", Domain: "Quantum Computing", Stage: "research"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	got := hits[0].Entry
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "researcher", got.Agent)
	assert.Equal(t, "research_findings", got.DocumentType)
	assert.Equal(t, entries[0].Content, got.Content)
	assert.False(t, got.CreatedAt.IsZero())

	// k larger than the collection is capped.
	hits, err = s.Query(ctx, Query{Text: "qubit", K: 50})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assert.Equal(t, "t1", hits[0].Entry.TaskID)
}

func TestChromemStore_EmptyCollectionAndValidation(t *testing.T) {
	s := newChromem(t, "")
	ctx := context.Background()

	hits, err := s.Query(ctx, Query{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = s.Query(ctx, Query{})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = s.Put(ctx, Entry{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = NewChromemStore(ChromemConfig{Collection: "Bad Name"}, embeddings.NewHashEmbedder(8), nil)
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = NewChromemStore(ChromemConfig{Collection: "ok"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newChromem(t, dir)
	id, err := first.Put(ctx, Entry{TaskID: "t1", Stage: "plan", Content: "persisted plan"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newChromem(t, dir)
	hits, err := second.Query(ctx, Query{Text: "plan", TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].Entry.ID)
}

type failingEmbedder struct{ embeddings.HashEmbedder }

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("quota exhausted")
}

func TestChromemStore_EmbeddingFailure(t *testing.T) {
	s, err := NewChromemStore(ChromemConfig{Collection: "kb"}, &failingEmbedder{*embeddings.NewHashEmbedder(8)}, nil)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), Entry{Content: "x"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

type blockingStore struct{}

func (blockingStore) Put(ctx context.Context, _ Entry) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingStore) Query(ctx context.Context, _ Query) ([]Hit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Close() error { return nil }

func TestWithTimeout(t *testing.T) {
	s := WithTimeout(blockingStore{}, 10*time.Millisecond)

	_, err := s.Put(context.Background(), Entry{Content: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = s.Query(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, blockingStore{}, WithTimeout(blockingStore{}, 0))
}

func TestNewStore_Chromem(t *testing.T) {
	s, err := NewStore(context.Background(), config.KnowledgeConfig{
		Provider:    "chromem",
		Collection:  "research_knowledge",
		ChromemPath: t.TempDir(),
		TopK:        5,
		Timeout:     time.Second,
	}, embeddings.NewHashEmbedder(16), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(context.Background(), Entry{Content: "hello"})
	require.NoError(t, err)

	_, err = NewStore(context.Background(), config.KnowledgeConfig{Provider: "pinecone"}, embeddings.NewHashEmbedder(16), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantPayloadRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{
		ID: "0d5c3f4e-9c1a-4c33-8a53-0c7f4b3c2a11", TaskID: "t1", Stage: "critique",
		Domain: "Quantum Computing", Agent: "critic", DocumentType: "critique",
		Content: "weak baselines", CreatedAt: created,
	}

	payload := toPayload(e)
	assert.Equal(t, "14", payload[KeyContentLength].GetStringValue())
	assert.Equal(t, e, fromPayload(e.ID, payload))
}

func TestQdrantFilter(t *testing.T) {
	assert.Nil(t, toFilter(nil))

	f := toFilter(Query{TaskID: "t1", Domain: "d"}.filters())
	require.Len(t, f.Must, 2)
	keys := map[string]string{}
	for _, c := range f.Must {
		field := c.GetField()
		keys[field.Key] = field.Match.GetKeyword()
	}
	assert.Equal(t, map[string]string{KeyTaskID: "t1", KeyDomain: "d"}, keys)

}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.ResourceExhausted, "busy")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.False(t, IsTransientError(nil))
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{Collection: "research_knowledge", VectorSize: 768}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 6334, cfg.Port)

	cfg.VectorSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = QdrantConfig{Collection: "../etc", VectorSize: 8, Port: 6334}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidCollectionName)
}

// Package knowledge stores stage outputs as embedded documents and answers
// similarity queries over them.
//
// Two backends are provided: chromem-go (embedded, persisted to disk) and
// Qdrant (remote, gRPC). Both tag every entry with the task, stage, domain
// and agent that produced it so later stages can filter on them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates a collection name outside ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionNotFound indicates the collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrEmptyContent indicates an entry with no text.
	ErrEmptyContent = errors.New("entry content is empty")

	// ErrEmptyQuery indicates a query with no text.
	ErrEmptyQuery = errors.New("query text is empty")

	// ErrEmbeddingFailed indicates the embedder could not vectorize the text.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Metadata keys attached to every entry.
const (
	KeyTaskID        = "task_id"
	KeyStage         = "stage"
	KeyDomain        = "domain"
	KeyAgent         = "agent_name"
	KeyDocumentType  = "document_type"
	KeyTimestamp     = "timestamp"
	KeyContentLength = "content_length"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Entry is one stored chunk of text.
type Entry struct {
	ID           string
	TaskID       string
	Stage        string
	Domain       string
	Agent        string
	DocumentType string
	Content      string
	CreatedAt    time.Time
}

func (e Entry) metadata() map[string]string {
	return map[string]string{
		KeyTaskID:        e.TaskID,
		KeyStage:         e.Stage,
		KeyDomain:        e.Domain,
		KeyAgent:         e.Agent,
		KeyDocumentType:  e.DocumentType,
		KeyTimestamp:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyContentLength: strconv.Itoa(len(e.Content)),
	}
}

func entryFromMetadata(id, content string, md map[string]string) Entry {
	e := Entry{
		ID:           id,
		TaskID:       md[KeyTaskID],
		Stage:        md[KeyStage],
		Domain:       md[KeyDomain],
		Agent:        md[KeyAgent],
		DocumentType: md[KeyDocumentType],
		Content:      content,
	}
	if ts, err := time.Parse(time.RFC3339Nano, md[KeyTimestamp]); err == nil {
		e.CreatedAt = ts
	}
	return e
}

// Query selects entries similar to Text. Non-empty filter fields must match
// exactly.
type Query struct {
	Text   string
	K      int
	TaskID string
	Stage  string
	Domain string
}

func (q Query) filters() map[string]string {
	f := make(map[string]string, 3)
	if q.TaskID != "" {
		f[KeyTaskID] = q.TaskID
	}
	if q.Stage != "" {
		f[KeyStage] = q.Stage
	}
	if q.Domain != "" {
		f[KeyDomain] = q.Domain
	}
	return f
}

// Hit is one query result.
type Hit struct {
	Entry Entry
	Score float32
}

// Store persists entries and runs similarity queries.
type Store interface {
	// Put stores e and returns its id.
	Put(ctx context.Context, e Entry) (string, error)
	// Query returns up to q.K entries ordered by similarity.
	Query(ctx context.Context, q Query) ([]Hit, error)
	Close() error
}

// Reader is the read-only view handed to stage agents.
type Reader interface {
	Query(ctx context.Context, q Query) ([]Hit, error)
}

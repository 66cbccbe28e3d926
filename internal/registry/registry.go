// Package registry keeps research tasks and enforces their state machine.
//
// The registry holds an in-memory index of immutable task snapshots and
// writes every accepted mutation through to a pluggable Backend (memory,
// JSON file, SQLite or Redis). Readers always receive deep copies; each task
// has a single writer at a time.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Backend persists task snapshots.
type Backend interface {
	// LoadAll returns every stored task.
	LoadAll(ctx context.Context) ([]*research.Task, error)
	// Save stores the full task record, replacing any previous version.
	Save(ctx context.Context, task *research.Task) error
	Close() error
}

// Mutator edits a private copy of a task. Returning an error aborts the update.
type Mutator func(t *research.Task) error

// Registry maps task ids to task state.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*research.Task
	writers map[string]*sync.Mutex

	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New opens a registry over backend and loads the stored tasks.
// A nil backend keeps tasks in process memory only.
func New(ctx context.Context, backend Backend, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}

	r := &Registry{
		tasks:   make(map[string]*research.Task),
		writers: make(map[string]*sync.Mutex),
		backend: backend,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}

	stored, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	for _, t := range stored {
		r.tasks[t.ID] = t
	}
	logger.Info("task registry opened", zap.Int("tasks", len(stored)))

	return r, nil
}

// Create allocates a new pending task.
func (r *Registry) Create(ctx context.Context, domain string, sources []string) (*research.Task, error) {
	task := research.NewTask(r.newID(), domain, sources, r.now().UTC())

	w := r.writer(task.ID)
	w.Lock()
	defer w.Unlock()

	r.mu.RLock()
	_, exists := r.tasks[task.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("task id %s already allocated", task.ID)
	}

	if err := r.backend.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("saving task %s: %w", task.ID, err)
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	r.logger.Debug("task created", zap.String("task_id", task.ID), zap.String("domain", domain))
	return task.Clone(), nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(_ context.Context, id string) (*research.Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &research.NotFoundError{ID: id}
	}
	return t.Clone(), nil
}

// Update applies mutate atomically. The mutated copy is rejected with an
// InvalidTransitionError when it breaks the task state machine.
func (r *Registry) Update(ctx context.Context, id string, mutate Mutator) (*research.Task, error) {
	w := r.writer(id)
	w.Lock()
	defer w.Unlock()

	r.mu.RLock()
	cur, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &research.NotFoundError{ID: id}
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := research.ValidateUpdate(cur, next); err != nil {
		r.logger.Error("rejected task update",
			zap.String("task_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next.Status)),
			zap.Error(err))
		return nil, err
	}

	now := r.now().UTC()
	next.UpdatedAt = now
	if cur.Status == research.StatusPending && next.Status != research.StatusPending && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}

	if err := r.backend.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("saving task %s: %w", id, err)
	}

	r.mu.Lock()
	r.tasks[id] = next
	r.mu.Unlock()

	return next.Clone(), nil
}

// SetStatus moves a task to status.
func (r *Registry) SetStatus(ctx context.Context, id string, status research.Status) (*research.Task, error) {
	return r.Update(ctx, id, func(t *research.Task) error {
		t.Status = status
		return nil
	})
}

// List yields task summaries ordered by creation time, newest first. Each
// range over the sequence takes a fresh snapshot.
func (r *Registry) List(_ context.Context) iter.Seq[research.Summary] {
	return func(yield func(research.Summary) bool) {
		r.mu.RLock()
		summaries := make([]research.Summary, 0, len(r.tasks))
		for _, t := range r.tasks {
			summaries = append(summaries, t.Summarize())
		}
		r.mu.RUnlock()

		slices.SortFunc(summaries, func(a, b research.Summary) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})

		for _, s := range summaries {
			if !yield(s) {
				return
			}
		}
	}
}

// Recover fails tasks left mid-run by a previous process and returns the
// ids of tasks still pending, oldest first, so they can be dispatched again.
func (r *Registry) Recover(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	var interrupted []string
	var pending []*research.Task
	for id, t := range r.tasks {
		switch {
		case t.Status.IsActive():
			interrupted = append(interrupted, id)
		case t.Status == research.StatusPending:
			pending = append(pending, t)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range interrupted {
		_, err := r.Update(ctx, id, func(t *research.Task) error {
			t.Error = &research.ErrorDetail{Stage: t.Status, Message: "interrupted by restart"}
			t.Status = research.StatusFailed
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Warn("marked interrupted task failed", zap.String("task_id", id))
	}

	slices.SortFunc(pending, func(a, b *research.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	ids := make([]string, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
	}
	return ids, errors.Join(errs...)
}

// Close closes the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}

func (r *Registry) writer(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[id]
	if !ok {
		w = &sync.Mutex{}
		r.writers[id] = w
	}
	return w
}

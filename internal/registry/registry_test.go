package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("task-%03d", n.Add(1)) }
}

func newTestRegistry(t *testing.T, backend Backend) *Registry {
	t.Helper()
	r, err := New(context.Background(), backend, zap.NewNop(),
		WithClock(newFakeClock().Now), WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func addResult(stage research.Stage, content string) Mutator {
	return func(t *research.Task) error {
		t.Results = append(t.Results, research.StageResult{
			Stage:       stage,
			Agent:       string(stage),
			Content:     content,
			GeneratedAt: time.Unix(0, 0),
		})
		if next, ok := stage.Next(); ok {
			t.Status = next.Status()
		} else {
			t.Status = research.StatusReporting
		}
		return nil
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	task, err := r.Create(ctx, "Quantum Computing", []string{"https://arxiv.org"})
	require.NoError(t, err)
	assert.Equal(t, "task-001", task.ID)
	assert.Equal(t, research.StatusPending, task.Status)
	assert.Equal(t, research.DomainFromUser, task.DomainSource)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = r.Get(ctx, "missing")
	var nf *research.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestRegistry_GetReturnsSnapshot(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	task, err := r.Create(ctx, "d", []string{"https://a"})
	require.NoError(t, err)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	got.Status = research.StatusCompleted
	got.Sources[0] = "changed"

	again, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusPending, again.Status)
	assert.Equal(t, "https://a", again.Sources[0])
}

func TestRegistry_UpdateLifecycle(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	task, err := r.Create(ctx, "d", nil)
	require.NoError(t, err)

	started, err := r.SetStatus(ctx, task.ID, research.StatusPlanning)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	assert.True(t, started.UpdatedAt.After(task.UpdatedAt))

	for _, stage := range research.AllStages() {
		_, err := r.Update(ctx, task.ID, addResult(stage, stage.Title()+" output"))
		require.NoError(t, err, stage)
	}
	done, err := r.SetStatus(ctx, task.ID, research.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, done.Results, 6)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, started.StartedAt, done.StartedAt)

	_, err = r.SetStatus(ctx, task.ID, research.StatusFailed)
	var ite *research.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestRegistry_UpdateRejections(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	task, err := r.Create(ctx, "d", nil)
	require.NoError(t, err)

	_, err = r.Update(ctx, "missing", func(*research.Task) error { return nil })
	assert.True(t, research.IsNotFound(err))

	_, err = r.SetStatus(ctx, task.ID, research.StatusResearching)
	var ite *research.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, task.ID, ite.TaskID)

	boom := errors.New("boom")
	_, err = r.Update(ctx, task.ID, func(t *research.Task) error {
		t.Status = research.StatusPlanning
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Rejected mutations leave the stored task untouched.
	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusPending, got.Status)
}

func TestRegistry_ListNewestFirstAndRestartable(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, d := range []string{"a", "b", "c"} {
		_, err := r.Create(ctx, d, nil)
		require.NoError(t, err)
	}

	seq := r.List(ctx)
	var first []string
	for s := range seq {
		first = append(first, s.Domain)
	}
	assert.Equal(t, []string{"c", "b", "a"}, first)

	// A second pass sees tasks created after the first one.
	_, err := r.Create(ctx, "d", nil)
	require.NoError(t, err)
	var second []string
	for s := range seq {
		second = append(second, s.Domain)
		if len(second) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"d", "c"}, second)
}

func TestRegistry_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	task, err := r.Create(ctx, "d", nil)
	require.NoError(t, err)
	_, err = r.SetStatus(ctx, task.ID, research.StatusPlanning)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.Get(ctx, task.ID)
				if !assert.NoError(t, err) {
					return
				}
				// Status always matches the number of recorded results.
				if want, ok := research.StageForStatus(got.Status); ok {
					assert.Equal(t, want.Index(), len(got.Results))
				}
			}
		}()
	}

	for _, stage := range research.AllStages() {
		_, err := r.Update(ctx, task.ID, addResult(stage, "content"))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_MonotonicUnderRandomUpdates(t *testing.T) {
	all := research.AllStatuses()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("stored status never regresses", prop.ForAll(
		func(picks []int) bool {
			r, err := New(context.Background(), nil, zap.NewNop())
			if err != nil {
				return false
			}
			ctx := context.Background()
			task, err := r.Create(ctx, "d", nil)
			if err != nil {
				return false
			}

			var wg sync.WaitGroup
			for _, p := range picks {
				wg.Add(1)
				go func(next research.Status) {
					defer wg.Done()
					_, _ = r.SetStatus(ctx, task.ID, next)
				}(all[p])
			}

			prev := research.StatusPending
			ok := true
			for i := 0; i < len(picks); i++ {
				got, err := r.Get(ctx, task.ID)
				if err != nil {
					ok = false
					break
				}
				if !advances(prev, got.Status) {
					ok = false
				}
				prev = got.Status
			}
			wg.Wait()
			return ok
		},
		gen.SliceOf(gen.IntRange(0, len(all)-1)),
	))

	properties.TestingRun(t)
}

// advances reports whether to is prev or lies ahead of it on the state machine.
func advances(prev, to research.Status) bool {
	if to == prev {
		return true
	}
	if prev.IsTerminal() {
		return false
	}
	if to == research.StatusFailed {
		return true
	}
	return slices.Index(research.AllStatuses(), to) > slices.Index(research.AllStatuses(), prev)
}

func TestRegistry_Recover(t *testing.T) {
	backend := NewMemoryBackend()
	r := newTestRegistry(t, backend)
	ctx := context.Background()

	running, err := r.Create(ctx, "running", nil)
	require.NoError(t, err)
	_, err = r.SetStatus(ctx, running.ID, research.StatusPlanning)
	require.NoError(t, err)

	queued1, err := r.Create(ctx, "queued", nil)
	require.NoError(t, err)
	queued2, err := r.Create(ctx, "queued later", nil)
	require.NoError(t, err)

	pending, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{queued1.ID, queued2.ID}, pending)

	got, err := r.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, research.StatusPlanning, got.Error.Stage)
	assert.Equal(t, "interrupted by restart", got.Error.Message)
}

// backendRoundTrip writes a task through one registry and reads it back
// through a fresh one opened on the same storage.
func backendRoundTrip(t *testing.T, open func() Backend) {
	t.Helper()
	ctx := context.Background()

	first, err := New(ctx, open(), zap.NewNop(), WithClock(newFakeClock().Now))
	require.NoError(t, err)
	task, err := first.Create(ctx, "Quantum Computing", nil)
	require.NoError(t, err)
	_, err = first.SetStatus(ctx, task.ID, research.StatusPlanning)
	require.NoError(t, err)
	_, err = first.Update(ctx, task.ID, addResult(research.StagePlan, "questions"))
	require.NoError(t, err)
	newer, err := first.Create(ctx, "Biology", nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, open(), zap.NewNop())
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusResearching, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "questions", got.Results[0].Content)

	var ids []string
	for s := range second.List(ctx) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{newer.ID, task.ID}, ids)
}

func TestFileBackend_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "tasks.json")
	backendRoundTrip(t, func() Backend {
		b, err := NewFileBackend(path)
		require.NoError(t, err)
		return b
	})
	assert.NoFileExists(t, path+".tmp")
}

func TestSQLiteBackend_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	backendRoundTrip(t, func() Backend {
		b, err := NewSQLiteBackend(path)
		require.NoError(t, err)
		return b
	})
}

func TestRedisBackend_Persists(t *testing.T) {
	mr := miniredis.RunT(t)
	backendRoundTrip(t, func() Backend {
		b, err := NewRedisBackend(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "test:tasks"})
		require.NoError(t, err)
		return b
	})
	assert.True(t, mr.Exists("test:tasks:index"))
}

func TestRedisBackend_SkipsDanglingIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b, err := NewRedisBackend(ctx, RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer b.Close()

	_, err = mr.ZAdd("researchd:tasks:index", 1, "ghost")
	require.NoError(t, err)

	tasks, err := b.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewBackend(ctx, config.RegistryConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = NewBackend(ctx, config.RegistryConfig{Backend: "sqlite", Path: filepath.Join(dir, "r.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, b)
	require.NoError(t, b.Close())

	_, err = NewBackend(ctx, config.RegistryConfig{Backend: "etcd"})
	assert.Error(t, err)
}

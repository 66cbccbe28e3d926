package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// MemoryBackend discards writes. The registry's own index is the only copy.
type MemoryBackend struct{}

// NewMemoryBackend returns a backend that persists nothing.
func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (MemoryBackend) LoadAll(context.Context) ([]*research.Task, error) { return nil, nil }
func (MemoryBackend) Save(context.Context, *research.Task) error        { return nil }
func (MemoryBackend) Close() error                                      { return nil }

// FileBackend stores every task in a single JSON document, rewritten
// atomically on each save.
type FileBackend struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*research.Task
}

type fileDocument struct {
	Tasks map[string]*research.Task `json:"tasks"`
}

// NewFileBackend opens (or creates) the JSON store at path.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	b := &FileBackend{path: path, tasks: make(map[string]*research.Task)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing registry file: %w", err)
	}
	for id, t := range doc.Tasks {
		if t != nil {
			b.tasks[id] = t
		}
	}
	return nil
}

// LoadAll returns copies of the stored tasks.
func (b *FileBackend) LoadAll(context.Context) ([]*research.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*research.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

// Save records task and rewrites the file.
func (b *FileBackend) Save(_ context.Context, task *research.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.tasks[task.ID]
	b.tasks[task.ID] = task.Clone()
	if err := b.flush(); err != nil {
		if had {
			b.tasks[task.ID] = prev
		} else {
			delete(b.tasks, task.ID)
		}
		return err
	}
	return nil
}

// flush writes to a temp file and renames it into place. Caller holds mu.
func (b *FileBackend) flush() error {
	data, err := json.MarshalIndent(fileDocument{Tasks: b.tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	tmpPath := b.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming registry: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

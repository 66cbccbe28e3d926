package agents

import (
	"context"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

var promptFuncs = template.FuncMap{
	"join": strings.Join,
}

// Prompts renders stage prompt templates. Built-in templates can be overridden
// by files with the same name in an override directory, which is watched for
// changes once Watch is called.
type Prompts struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	tmpl *template.Template

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// LoadPrompts parses the built-in templates and any *.tmpl overrides in dir.
// An empty dir uses the built-ins only.
func LoadPrompts(dir string, logger *zap.Logger) (*Prompts, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Prompts{dir: dir, logger: logger, stop: make(chan struct{})}
	tmpl, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.tmpl = tmpl
	return p, nil
}

func (p *Prompts) parse() (*template.Template, error) {
	tmpl, err := template.New("prompts").Funcs(promptFuncs).ParseFS(defaultPrompts, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing built-in prompts: %w", err)
	}
	if p.dir == "" {
		return tmpl, nil
	}
	matches, err := filepath.Glob(filepath.Join(p.dir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("listing prompt overrides: %w", err)
	}
	if len(matches) == 0 {
		return tmpl, nil
	}
	if tmpl, err = tmpl.ParseFiles(matches...); err != nil {
		return nil, fmt.Errorf("parsing prompt overrides in %s: %w", p.dir, err)
	}
	return tmpl, nil
}

// Render executes the template called name.
func (p *Prompts) Render(name string, data any) (string, error) {
	p.mu.RLock()
	tmpl := p.tmpl
	p.mu.RUnlock()

	var b strings.Builder
	if err := tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Reload re-parses all templates. On error the previous set stays active.
func (p *Prompts) Reload() error {
	tmpl, err := p.parse()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.tmpl = tmpl
	p.mu.Unlock()
	return nil
}

// Watch reloads templates whenever a file in the override directory changes.
// It is a no-op without an override directory.
func (p *Prompts) Watch(ctx context.Context) error {
	if p.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", p.dir, err)
	}
	p.watcher = watcher
	go p.processEvents(ctx)
	return nil
}

func (p *Prompts) processEvents(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".tmpl" || event.Op == fsnotify.Chmod {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("prompt reload failed, keeping previous templates",
					zap.String("file", event.Name), zap.Error(err))
				continue
			}
			p.logger.Info("prompts reloaded", zap.String("file", event.Name), zap.String("op", event.Op.String()))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (p *Prompts) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

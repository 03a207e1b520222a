package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Registry is the read-only view of configured workflows.
type Registry interface {
	ListEnabled() []Workflow
}

// Static is a fixed workflow list.
type Static []Workflow

func (s Static) ListEnabled() []Workflow {
	return enabledSorted(s)
}

func enabledSorted(all []Workflow) []Workflow {
	out := []Workflow{}
	for _, w := range all {
		if w.IsEnabled() {
			out = append(out, w)
		}
	}
	Sort(out)
	return out
}

// Parse decodes and validates a workflow file.
func Parse(data []byte) ([]Workflow, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	names := map[string]struct{}{}
	for _, w := range doc.Workflows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(w.Name)
		if _, dup := names[key]; dup {
			return nil, fmt.Errorf("%w: duplicate workflow name %q", ErrInvalidWorkflow, w.Name)
		}
		names[key] = struct{}{}
	}
	return doc.Workflows, nil
}

func LoadFile(path string) ([]Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// FileRegistry serves workflows from a YAML file and reloads it on change.
// A reload that fails validation keeps the previous set.
type FileRegistry struct {
	path     string
	log      zerolog.Logger
	debounce time.Duration

	mu        sync.RWMutex
	workflows []Workflow
	loadedAt  time.Time
	lastErr   error
}

func NewFileRegistry(path string, logger zerolog.Logger) (*FileRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("workflow file path is empty")
	}
	r := &FileRegistry{
		path:     path,
		log:      logger.With().Str("component", "workflows").Logger(),
		debounce: 200 * time.Millisecond,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) ListEnabled() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return enabledSorted(r.workflows)
}

// All returns every workflow, enabled or not, in priority order.
func (r *FileRegistry) All() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]Workflow(nil), r.workflows...)
	Sort(out)
	return out
}

func (r *FileRegistry) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

func (r *FileRegistry) Reload() error {
	workflows, err := LoadFile(r.path)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err != nil {
		return err
	}
	r.workflows = workflows
	r.loadedAt = time.Now()
	return nil
}

// Watch reloads the file whenever it changes until ctx ends. The parent
// directory is watched so editors that replace the file are picked up.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	target := filepath.Clean(r.path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := r.Reload(); err != nil {
				r.log.Warn().Err(err).Str("path", r.path).Msg("workflow reload rejected, keeping previous set")
				continue
			}
			r.log.Info().Str("path", r.path).Int("workflows", len(r.ListEnabled())).Msg("workflows reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("workflow watcher error")
		}
	}
}

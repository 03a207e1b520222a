package receiptflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

type fileRetryState struct {
	Entries []RetryEntry `json:"entries"`
}

// FileRetryPersister keeps the retry queue in a JSON file. Writes go to a
// temporary file that is renamed over the target, under an exclusive flock on
// a sidecar lock file so two processes never interleave.
type FileRetryPersister struct {
	path string
	mu   sync.Mutex
}

func NewFileRetryPersister(path string) *FileRetryPersister {
	return &FileRetryPersister{path: strings.TrimSpace(path)}
}

func (p *FileRetryPersister) Path() string {
	return p.path
}

func (p *FileRetryPersister) Load() ([]RetryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []RetryEntry{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []RetryEntry{}, nil
	}
	var state fileRetryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}
	return state.Entries, nil
}

func (p *FileRetryPersister) Save(entries []RetryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return ErrInvalidInput
	}
	if entries == nil {
		entries = []RetryEntry{}
	}
	data, err := json.MarshalIndent(fileRetryState{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	unlock, err := lockFile(p.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	tmp := p.path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p.path)
}

// writeFileSync writes data and syncs it to disk before returning.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// MemoryRetryPersister keeps the last saved queue in memory. Used by tests and
// the memory:// retry DSN.
type MemoryRetryPersister struct {
	mu      sync.Mutex
	entries []RetryEntry
	saves   int
	failErr error
}

func NewMemoryRetryPersister() *MemoryRetryPersister {
	return &MemoryRetryPersister{}
}

func (p *MemoryRetryPersister) Load() ([]RetryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RetryEntry(nil), p.entries...), nil
}

func (p *MemoryRetryPersister) Save(entries []RetryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return p.failErr
	}
	p.entries = append([]RetryEntry(nil), entries...)
	p.saves++
	return nil
}

// Saves counts successful writes.
func (p *MemoryRetryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// FailWith makes subsequent saves return err. nil restores normal behavior.
func (p *MemoryRetryPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Package journal records workflow progress. Ledger writes across
// independent contracts are not transactionally composable, so each workflow
// keeps a progress cursor here; a halt after a confirmed step leaves an
// inspectable record instead of an attempted rollback.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Run is one workflow execution: which steps confirmed, where it halted and
// the transaction hash per confirmed step.
type Run struct {
	ID             string            `json:"id"`
	Key            string            `json:"key,omitempty"`
	Workflow       string            `json:"workflow"`
	Status         Status            `json:"status"`
	CompletedSteps []string          `json:"completedSteps,omitempty"`
	FailedStep     string            `json:"failedStep,omitempty"`
	Error          string            `json:"error,omitempty"`
	TxHashes       map[string]string `json:"txHashes,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Store persists runs. GetByKey serves idempotent replay on the API surface.
type Store interface {
	Get(ctx context.Context, id string) (*Run, error)
	GetByKey(ctx context.Context, key string) (*Run, error)
	Save(ctx context.Context, run Run) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *MemoryStore) GetByKey(_ context.Context, key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.Key == key {
			r := run
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Save(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// FileStore persists runs to disk. Suitable for local use; Postgres backs
// deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
	runs map[string]Run
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		runs: make(map[string]Run),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.runs)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.runs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, id string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (f *FileStore) GetByKey(_ context.Context, key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.Key == key {
			r := run
			return &r, nil
		}
	}
	return nil, nil
}

func (f *FileStore) Save(_ context.Context, run Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return f.persist()
}

package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Repository is the durability boundary for task instances. Save with
// expectedVersion 0 inserts; otherwise it succeeds only if the stored version
// still equals expectedVersion and fails with ErrVersionConflict if not.
type Repository interface {
	Load(ctx context.Context, id string) (Instance, error)
	Save(ctx context.Context, inst Instance, expectedVersion int64) error
	ListActive(ctx context.Context) ([]Instance, error)
	Close() error
}

// NewRepository returns a Postgres repository when databaseURL is set and an
// in-memory one otherwise.
func NewRepository(ctx context.Context, databaseURL string) (Repository, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryRepository(), "in-memory", nil
	}
	repo, err := NewPostgresRepository(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return repo, "postgres", nil
}

// MemoryRepository keeps instances in process memory. Nothing survives a restart.
type MemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{instances: make(map[string]Instance)}
}

func (r *MemoryRepository) Load(_ context.Context, id string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return inst.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, inst Instance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.instances[inst.ID]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("%w: %s already exists", ErrVersionConflict, inst.ID)
	case expectedVersion != 0 && !exists:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, inst.ID)
	case expectedVersion != 0 && current.Version != expectedVersion:
		return fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, inst.ID, current.Version, expectedVersion)
	}
	r.instances[inst.ID] = inst.Clone()
	return nil
}

func (r *MemoryRepository) ListActive(_ context.Context) ([]Instance, error) {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if !inst.Terminal() {
			out = append(out, inst.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/deployment/models"
)

// MemoryRepository provides in-memory deployment version storage for tests
// and single-binary development mode.
type MemoryRepository struct {
	mu       sync.RWMutex
	versions map[string][]*models.DeploymentVersion // by graph id, ascending version
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{versions: make(map[string][]*models.DeploymentVersion)}
}

func (r *MemoryRepository) CreateVersion(ctx context.Context, v *models.DeploymentVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.versions[v.GraphID]
	max := 0
	for _, existing := range list {
		if existing.Version > max {
			max = existing.Version
		}
	}
	v.Version = max + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	if v.IsActive {
		for _, existing := range list {
			existing.IsActive = false
		}
	}
	cp := *v
	r.versions[v.GraphID] = append(list, &cp)
	return nil
}

func (r *MemoryRepository) GetActive(ctx context.Context, graphID string) (*models.DeploymentVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions[graphID] {
		if v.IsActive {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetByVersion(ctx context.Context, graphID string, version int) (*models.DeploymentVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions[graphID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context, graphID string, page, size int) ([]*models.DeploymentVersion, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	src := r.versions[graphID]
	sorted := make([]*models.DeploymentVersion, len(src))
	copy(sorted, src)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	total := len(sorted)
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]*models.DeploymentVersion, 0, end-start)
	for _, v := range sorted[start:end] {
		cp := *v
		out = append(out, &cp)
	}
	return out, total, nil
}

func (r *MemoryRepository) Rename(ctx context.Context, graphID string, version int, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.versions[graphID] {
		if v.Version == version {
			v.Name = name
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) Activate(ctx context.Context, graphID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *models.DeploymentVersion
	for _, v := range r.versions[graphID] {
		if v.Version == version {
			target = v
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}
	for _, v := range r.versions[graphID] {
		v.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, graphID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.versions[graphID]
	for i, v := range list {
		if v.Version == version {
			if v.IsActive {
				return ErrVersionActive
			}
			r.versions[graphID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

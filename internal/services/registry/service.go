// Package registry provides a read-only, config-backed view of the fleet.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for looking up fleet targets.
type Service interface {
	GetByIDs(ctx context.Context, ids []string) ([]models.Target, []string, error)
	ListAll(ctx context.Context) ([]models.Target, error)
	RecordLiveness(ctx context.Context, id string, active bool) error
}

// Impl keeps the configured targets in memory. Only the last known
// liveness of a target changes after construction.
type Impl struct {
	mu      sync.RWMutex
	order   []string
	targets map[string]models.Target
	logger  zerolog.Logger
}

// New creates a registry from the configured targets. Ids must be unique
// and non-empty.
func New(logger zerolog.Logger, targets []models.Target) (*Impl, error) {
	r := &Impl{
		order:   make([]string, 0, len(targets)),
		targets: make(map[string]models.Target, len(targets)),
		logger:  logger,
	}
	for _, t := range targets {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: target without id", models.ErrInvalidTarget)
		}
		if _, dup := r.targets[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate target id %q", models.ErrInvalidTarget, t.ID)
		}
		r.order = append(r.order, t.ID)
		r.targets[t.ID] = t
	}
	return r, nil
}

// GetByIDs returns the known targets in request order, each at most once,
// and the ids that are not registered.
func (r *Impl) GetByIDs(ctx context.Context, ids []string) ([]models.Target, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	found := make([]models.Target, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		t, ok := r.targets[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		found = append(found, t)
	}
	return found, missing, nil
}

// ListAll returns every target in configuration order.
func (r *Impl) ListAll(ctx context.Context) ([]models.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]models.Target, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.targets[id])
	}
	return list, nil
}

// RecordLiveness stores the liveness observed by a probe.
func (r *Impl) RecordLiveness(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownTarget, id)
	}
	if t.LastKnownActive != active {
		r.logger.Debug().Str("target", id).Bool("active", active).Msg("liveness changed")
	}
	t.LastKnownActive = active
	r.targets[id] = t
	return nil
}

// Package engine keeps the set of OCR engines the service can dispatch to and
// tracks whether each one is currently usable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/core/ocr"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSealed    = errors.New("engine registry is sealed")
	ErrDuplicate = errors.New("engine already registered")
)

type probe struct {
	version   string
	err       error
	checkedAt time.Time
}

type entry struct {
	engine ocr.Engine
	last   atomic.Pointer[probe]
}

// Registry maps engine names to engines. Registration happens once at
// startup; after Seal the map is only read, so lookups take no locks.
type Registry struct {
	mu      sync.Mutex
	sealed  atomic.Bool
	entries map[string]*entry
	order   []string

	defaultName  string
	probeTTL     time.Duration
	probeTimeout time.Duration
	group        singleflight.Group
	now          func() time.Time
}

func NewRegistry(defaultName string, probeTTL, probeTimeout time.Duration) *Registry {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Registry{
		entries:      make(map[string]*entry),
		defaultName:  defaultName,
		probeTTL:     probeTTL,
		probeTimeout: probeTimeout,
		now:          time.Now,
	}
}

func (r *Registry) Register(name string, eng ocr.Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("register %q: %w", name, ErrSealed)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicate)
	}
	r.entries[name] = &entry{engine: eng}
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Registry) Default() string { return r.defaultName }

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) names() []string {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]string(nil), r.order...)
	}
	return r.order
}

// Get resolves name, probing the engine when the cached result is stale.
func (r *Registry) Get(ctx context.Context, name string) (ocr.Engine, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, &domain.EngineNotFoundError{Name: name}
	}
	p := r.status(ctx, name, e, false)
	if p.err != nil {
		return nil, &domain.EngineUnavailableError{Name: name, Err: p.err}
	}
	return e.engine, nil
}

// List describes every engine in registration order.
func (r *Registry) List(ctx context.Context) []domain.EngineDescriptor {
	return r.describe(ctx, false)
}

// Refresh re-probes every engine regardless of cache age.
func (r *Registry) Refresh(ctx context.Context) []domain.EngineDescriptor {
	return r.describe(ctx, true)
}

// Ready reports whether at least one engine is available.
func (r *Registry) Ready(ctx context.Context) bool {
	for _, d := range r.List(ctx) {
		if d.Available {
			return true
		}
	}
	return false
}

func (r *Registry) describe(ctx context.Context, force bool) []domain.EngineDescriptor {
	names := r.names()
	out := make([]domain.EngineDescriptor, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		e, _ := r.lookup(name)
		g.Go(func() error {
			out[i] = descriptor(name, r.status(gctx, name, e, force))
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (r *Registry) fresh(e *entry) *probe {
	if p := e.last.Load(); p != nil && r.now().Sub(p.checkedAt) < r.probeTTL {
		return p
	}
	return nil
}

func (r *Registry) status(ctx context.Context, name string, e *entry, force bool) *probe {
	if p := r.fresh(e); p != nil && !force {
		return p
	}

	v, _, _ := r.group.Do(name, func() (any, error) {
		if p := r.fresh(e); p != nil && !force {
			return p, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.probeTimeout)
		defer cancel()

		version, err := e.engine.Probe(pctx)
		p := &probe{version: version, err: err, checkedAt: r.now()}
		prev := e.last.Swap(p)

		if err != nil && (prev == nil || prev.err == nil) {
			slog.Warn("ocr engine unavailable",
				slog.String("engine", name),
				slog.String("error", err.Error()),
			)
		} else if err == nil && (prev == nil || prev.err != nil) {
			slog.Info("ocr engine available",
				slog.String("engine", name),
				slog.String("version", version),
			)
		}
		return p, nil
	})
	return v.(*probe)
}

func descriptor(name string, p *probe) domain.EngineDescriptor {
	d := domain.EngineDescriptor{Name: name, Status: domain.EngineUnknown}
	if p == nil {
		return d
	}
	checked := p.checkedAt
	d.CheckedAt = &checked
	if p.err != nil {
		d.Status = domain.EngineUnavailable
		d.Error = p.err.Error()
		return d
	}
	d.Available = true
	d.Version = p.version
	d.Status = domain.EngineAvailable
	return d
}

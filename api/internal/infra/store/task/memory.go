package taskstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/you-humble/dococr/api/internal/domain"

	"github.com/google/uuid"
)

type memoryEntry struct {
	mu      sync.Mutex
	task    domain.Task
	deleted bool
}

// memoryTaskStore keeps tasks in process. The index lock guards membership
// only; each task is updated under its own mutex.
type memoryTaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]*memoryEntry
	order   []string
	batches map[string]domain.Batch

	now func() time.Time
}

func NewMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{
		tasks:   make(map[string]*memoryEntry),
		batches: make(map[string]domain.Batch),
		now:     time.Now,
	}
}

func (s *memoryTaskStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	t := domain.NewTask(uuid.NewString(), p, s.now())

	s.mu.Lock()
	s.tasks[t.ID] = &memoryEntry{task: t}
	s.order = append(s.order, t.ID)
	s.mu.Unlock()

	return t, nil
}

func (s *memoryTaskStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	return e, ok
}

func (s *memoryTaskStore) Task(ctx context.Context, id string) (domain.Task, error) {
	e, ok := s.entry(id)
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return e.task, nil
}

// List returns tasks newest first.
func (s *memoryTaskStore) List(ctx context.Context, limit, offset int) ([]domain.Task, int, error) {
	s.mu.RLock()
	total := len(s.order)
	var ids []string
	for i := total - 1 - offset; i >= 0 && len(ids) < limit; i-- {
		ids = append(ids, s.order[i])
	}
	s.mu.RUnlock()

	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		if t, err := s.Task(ctx, id); err == nil {
			out = append(out, t)
		}
	}
	return out, total, nil
}

func (s *memoryTaskStore) Update(ctx context.Context, id string, m domain.Mutation) (domain.Task, error) {
	e, ok := s.entry(id)
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	next, changed, err := domain.Apply(e.task, m, s.now())
	if err != nil {
		return e.task, err
	}
	if changed {
		e.task = next
	}
	return e.task, nil
}

// Delete removes a terminal task. Running or queued tasks are reported busy.
func (s *memoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.task.State.Terminal() {
		return domain.ErrTaskBusy
	}
	e.deleted = true

	delete(s.tasks, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

func (s *memoryTaskStore) IDsByState(ctx context.Context, states ...domain.State) ([]string, error) {
	s.mu.RLock()
	ids := slices.Clone(s.order)
	s.mu.RUnlock()

	var out []string
	for _, id := range ids {
		t, err := s.Task(ctx, id)
		if err == nil && slices.Contains(states, t.State) {
			out = append(out, id)
		}
	}
	return out, nil
}

// ExpiredBefore lists terminal tasks last touched before cutoff.
func (s *memoryTaskStore) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	s.mu.RLock()
	ids := slices.Clone(s.order)
	s.mu.RUnlock()

	var out []domain.Task
	for _, id := range ids {
		t, err := s.Task(ctx, id)
		if err == nil && t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryTaskStore) SaveBatch(ctx context.Context, b domain.Batch) error {
	s.mu.Lock()
	s.batches[b.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *memoryTaskStore) Batch(ctx context.Context, id string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return b, nil
}

func (s *memoryTaskStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, b := range s.batches {
		if b.CreatedAt.Before(cutoff) {
			delete(s.batches, id)
			n++
		}
	}
	return n, nil
}

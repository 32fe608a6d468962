// Package dispatcher runs queued OCR tasks on a fixed pool of workers and owns
// their cancellation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/api/internal/infra/queue"
	"github.com/you-humble/dococr/core/ocr"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type TaskStore interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, id string, m domain.Mutation) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	IDsByState(ctx context.Context, states ...domain.State) ([]string, error)
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error)
	DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type FileStore interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type EngineResolver interface {
	Get(ctx context.Context, name string) (ocr.Engine, error)
}

type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	Dequeue(ctx context.Context) (queue.Message, error)
	Len() int
}

type Config struct {
	// InstanceID names this dispatcher in the owner field of running tasks.
	// Keep it stable across restarts so recovery can reclaim its own tasks.
	InstanceID      string
	LeaseTTL        time.Duration
	Workers         int
	CallTimeout     time.Duration
	DeleteGrace     time.Duration
	PollInterval    time.Duration
	TaskTTL         time.Duration
	CleanupInterval time.Duration

	DPI        int
	Preprocess bool
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Minute
	}
	if c.DeleteGrace <= 0 {
		c.DeleteGrace = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

var (
	errTaskCancelled = errors.New("task cancelled")
	errCallTimeout   = errors.New("engine call timed out")
)

// flight is the handle of a task held by a worker of this process.
type flight struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Stats struct {
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type Dispatcher struct {
	cfg     Config
	store   TaskStore
	files   FileStore
	engines EngineResolver
	queue   Queue

	mu      sync.Mutex
	flights map[string]*flight

	wg        sync.WaitGroup
	running   atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	now       func() time.Time
}

func New(cfg Config, store TaskStore, files FileStore, engines EngineResolver, q Queue) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		files:   files,
		engines: engines,
		queue:   q,
		flights: make(map[string]*flight),
		now:     time.Now,
	}
}

// Run starts the workers. They stop when ctx is done; Stop waits for them.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := range d.cfg.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runWorker(ctx, i)
		}()
	}

	slog.Info("dispatcher is running",
		slog.Int("workers", d.cfg.Workers),
		slog.Duration("call_timeout", d.cfg.CallTimeout),
	)
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
}

// Submit queues a task. It never waits for a free worker.
func (d *Dispatcher) Submit(ctx context.Context, taskID string) error {
	if err := d.queue.Enqueue(ctx, taskID); err != nil {
		return fmt.Errorf("submit task %s: %w", taskID, err)
	}
	return nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:   d.cfg.Workers,
		Running:   int(d.running.Load()),
		Queued:    d.queue.Len(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, n int) {
	log := slog.With(slog.Int("worker", n))

	for {
		msg, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Debug("worker stopping")
				return
			}
			log.Warn("dequeue", slog.String("error", err.Error()))
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}

		taskID := msg.TaskID()
		if err := d.process(ctx, taskID); err != nil {
			log.Error("process",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			if err := msg.Nak(); err != nil {
				log.Warn("queue Nak", slog.String("error", err.Error()))
			}
			sleep(ctx, 100*time.Millisecond)
			continue
		}

		if err := msg.Ack(); err != nil {
			log.Warn("queue Ack", slog.String("error", err.Error()))
		}
	}
}

// process runs one delivery of taskID. A non-nil error means the delivery
// should be retried.
func (d *Dispatcher) process(ctx context.Context, taskID string) error {
	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	f, ok := d.track(taskID, cancel)
	if !ok {
		slog.Debug("task already held by a worker", slog.String("task_id", taskID))
		return nil
	}
	defer d.release(taskID, f)

	task, err := d.store.Update(ctx, taskID, domain.MarkRunning(d.cfg.InstanceID, d.cfg.LeaseTTL))
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			slog.Debug("skip task", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	d.running.Add(1)
	defer d.running.Add(-1)
	defer d.discardStaged(ctx, task)

	slog.Info("process start",
		slog.String("task_id", taskID),
		slog.String("engine", task.Engine),
	)
	start := time.Now()

	stopHeartbeat := d.heartbeat(fctx, taskID)
	res, err := d.execute(fctx, task)
	stopHeartbeat()
	if err != nil {
		return d.fail(ctx, fctx, task, err)
	}

	_, err = d.store.Update(context.WithoutCancel(ctx), taskID, domain.Complete(domain.NewResult(res)))
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTaskNotFound):
		slog.Info("late result discarded", slog.String("task_id", taskID))
		return nil
	case err != nil:
		return fmt.Errorf("complete: %w", err)
	}

	d.completed.Add(1)
	slog.Info("process done",
		slog.String("task_id", taskID),
		slog.Int("pages", len(res.Pages)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, task domain.Task) (ocr.Result, error) {
	eng, err := d.engines.Get(ctx, task.Engine)
	if err != nil {
		return ocr.Result{}, err
	}

	data, err := d.readStaged(ctx, task.StagingKey)
	if err != nil {
		return ocr.Result{}, err
	}

	callCtx, cancel := context.WithTimeoutCause(ctx, d.cfg.CallTimeout, errCallTimeout)
	defer cancel()

	res, err := eng.Extract(callCtx, ocr.Document{
		Filename:    task.Filename,
		ContentType: task.ContentType,
		Data:        data,
	}, ocr.Options{
		DPI:        d.cfg.DPI,
		Preprocess: d.cfg.Preprocess,
		Languages:  task.Languages,
		Progress: func(done, total int) {
			d.reportProgress(callCtx, task.ID, done, total)
		},
	})

	// An engine that ignores the deadline still loses its result.
	if errors.Is(context.Cause(callCtx), errCallTimeout) {
		return ocr.Result{}, ocr.NewProcessingError(ocr.ReasonTimeout,
			fmt.Errorf("%s did not finish within %s: %w", task.Engine, d.cfg.CallTimeout, errors.Join(err, errCallTimeout)))
	}
	if err != nil {
		return ocr.Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) fail(ctx, fctx context.Context, task domain.Task, cause error) error {
	log := slog.With(slog.String("task_id", task.ID))

	if errors.Is(context.Cause(fctx), errTaskCancelled) {
		log.Info("task cancelled while running")
		return nil
	}

	te := domain.TaskErrorFrom(cause)
	if ctx.Err() != nil {
		te = domain.TaskError{
			Kind:    domain.KindEngineProcessing,
			Reason:  ocr.ReasonInterrupted,
			Message: "service stopped while the task was running",
		}
	}

	_, err := d.store.Update(context.WithoutCancel(ctx), task.ID, domain.Fail(te))
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTaskNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("fail: %w", err)
	}

	d.failed.Add(1)
	log.Warn("process failed",
		slog.String("kind", te.Kind),
		slog.String("reason", te.Reason),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (d *Dispatcher) readStaged(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := d.files.Open(ctx, key)
	if err != nil {
		return nil, domain.TaskError{Kind: domain.KindStaging, Message: fmt.Sprintf("open staged file: %v", err)}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.TaskError{Kind: domain.KindStaging, Message: fmt.Sprintf("read staged file: %v", err)}
	}
	return data, nil
}

func (d *Dispatcher) discardStaged(ctx context.Context, task domain.Task) {
	if task.StagingKey == "" {
		return
	}
	if err := d.files.Delete(context.WithoutCancel(ctx), task.StagingKey); err != nil {
		slog.Warn("delete staged file",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeat keeps the lease of a running task fresh until the returned stop
// func is called.
func (d *Dispatcher) heartbeat(ctx context.Context, taskID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := d.store.Update(ctx, taskID, domain.Heartbeat(d.cfg.InstanceID, d.cfg.LeaseTTL))
				if err != nil && ctx.Err() == nil {
					slog.Warn("lease heartbeat", slog.String("task_id", taskID), slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) reportProgress(ctx context.Context, taskID string, done, total int) {
	if total <= 0 {
		return
	}
	if _, err := d.store.Update(ctx, taskID, domain.SetProgress(done*100/total)); err != nil &&
		!errors.Is(err, domain.ErrInvalidTransition) {
		slog.Debug("progress update", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) track(taskID string, cancel context.CancelCauseFunc) (*flight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.flights[taskID]; ok {
		return nil, false
	}
	f := &flight{cancel: cancel, done: make(chan struct{})}
	d.flights[taskID] = f
	return f, true
}

func (d *Dispatcher) release(taskID string, f *flight) {
	d.mu.Lock()
	if d.flights[taskID] == f {
		delete(d.flights, taskID)
	}
	d.mu.Unlock()
	close(f.done)
}

func (d *Dispatcher) flight(taskID string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flights[taskID]
}

// Cancel moves a queued or running task to cancelled. The store is updated
// first; a running engine call is then asked to abort. Terminal tasks are
// returned unchanged.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (domain.Task, error) {
	var prev domain.State
	cancel := domain.Cancel()
	task, err := d.store.Update(ctx, taskID, func(t *domain.Task, now time.Time) error {
		prev = t.State
		return cancel(t, now)
	})
	if err != nil {
		return domain.Task{}, err
	}

	if f := d.flight(taskID); f != nil {
		f.cancel(errTaskCancelled)
	}

	if prev == domain.StateQueued {
		d.discardStaged(ctx, task)
	}
	if !prev.Terminal() {
		slog.Info("task cancelled", slog.String("task_id", taskID), slog.String("was", string(prev)))
	}
	return task, nil
}

// Delete cancels the task if needed and removes it once no worker holds it.
// A worker still busy after DeleteGrace leaves the task cancelled and yields
// ErrTaskBusy.
func (d *Dispatcher) Delete(ctx context.Context, taskID string) error {
	task, err := d.Cancel(ctx, taskID)
	if err != nil {
		return err
	}

	if f := d.flight(taskID); f != nil {
		timer := time.NewTimer(d.cfg.DeleteGrace)
		defer timer.Stop()

		select {
		case <-f.done:
		case <-timer.C:
			return fmt.Errorf("delete task %s: %w", taskID, domain.ErrTaskBusy)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := d.store.Delete(ctx, taskID); err != nil {
		return err
	}
	d.discardStaged(ctx, task)

	slog.Info("task deleted", slog.String("task_id", taskID))
	return nil
}

// Wait polls the store until the task is terminal or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, taskID string) (domain.Task, error) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := d.store.Task(ctx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		if task.State.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover fails the running tasks this instance left behind, and those of
// other instances whose lease expired, then requeues the queued ones.
func (d *Dispatcher) Recover(ctx context.Context) error {
	interrupted, err := d.reclaim(ctx)
	if err != nil {
		return err
	}

	queued, err := d.store.IDsByState(ctx, domain.StateQueued)
	if err != nil {
		return fmt.Errorf("recover queued tasks: %w", err)
	}
	for _, id := range queued {
		if err := d.Submit(ctx, id); err != nil {
			return err
		}
	}

	if interrupted+len(queued) > 0 {
		slog.Info("tasks recovered",
			slog.Int("interrupted", interrupted),
			slog.Int("requeued", len(queued)),
		)
	}
	return nil
}

// reclaim fails orphaned running tasks. Tasks held by a worker of this
// process, or by a live instance, are left alone.
func (d *Dispatcher) reclaim(ctx context.Context) (int, error) {
	running, err := d.store.IDsByState(ctx, domain.StateRunning)
	if err != nil {
		return 0, fmt.Errorf("reclaim running tasks: %w", err)
	}

	reclaimed := 0
	for _, id := range running {
		if d.flight(id) != nil {
			continue
		}
		task, err := d.store.Update(ctx, id, domain.Reclaim(d.cfg.InstanceID, domain.TaskError{
			Kind:    domain.KindEngineProcessing,
			Reason:  ocr.ReasonInterrupted,
			Message: "the instance running the task stopped before it finished",
		}))
		switch {
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTaskNotFound):
			continue
		case err != nil:
			return reclaimed, fmt.Errorf("reclaim task %s: %w", id, err)
		}
		if task.State == domain.StateFailed {
			reclaimed++
			slog.Warn("orphaned task failed",
				slog.String("task_id", id),
				slog.String("owner", task.Owner),
			)
		}
	}
	return reclaimed, nil
}

func (d *Dispatcher) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CleanupInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.cleanup(ctx)
			}
		}
	}()
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	if _, err := d.reclaim(ctx); err != nil {
		slog.Warn("cleanup orphaned tasks", slog.String("error", err.Error()))
	}

	cutoff := d.now().Add(-d.cfg.TaskTTL)

	expired, err := d.store.ExpiredBefore(ctx, cutoff)
	if err != nil {
		slog.Warn("cleanup expired tasks", slog.String("error", err.Error()))
	}

	var removed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, task := range expired {
		g.Go(func() error {
			if task.StagingKey != "" {
				if err := d.files.Delete(gctx, task.StagingKey); err != nil {
					slog.Warn("cleanup staged file", slog.String("error", err.Error()))
				}
			}
			if err := d.store.Delete(gctx, task.ID); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
				slog.Warn("cleanup task",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if n := removed.Load(); n > 0 {
		slog.Info("cleanup", slog.Int("deleted_tasks", int(n)))
	}

	if n, err := d.store.DeleteBatchesBefore(ctx, cutoff); err != nil {
		slog.Warn("cleanup batches", slog.String("error", err.Error()))
	} else if n > 0 {
		slog.Info("cleanup", slog.Int("deleted_batches", n))
	}

	if err := d.files.CleanupOlderThan(ctx, 2*d.cfg.TaskTTL); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("cleanup old files", slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

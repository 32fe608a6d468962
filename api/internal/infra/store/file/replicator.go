package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Storage is the contract shared by every staging backend.
type Storage interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type replicateJob struct {
	filename string
	size     int64
	hash     string
	retries  int
}

// replicator copies staged files from local to remote with a fixed pool of
// workers. Jobs that fail are requeued until maxRetries is reached.
type replicator struct {
	local  Storage
	remote Storage

	queue      chan replicateJob
	workerNum  int
	maxRetries int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newReplicator(local, remote Storage, queueSize, workerNum, maxRetries int) *replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan replicateJob, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		cancel:     func() {},
	}
}

func (r *replicator) start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for range r.workerNum {
		go r.worker(ctx)
	}
}

// stop lets the workers drain what is already queued until ctx expires.
func (r *replicator) stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-doneCh:
	}
	r.cancel()

	slog.Info("replicator: stopped")
	return nil
}

func (r *replicator) enqueue(job replicateJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *replicator) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handleJob(ctx, job)
		}
	}
}

func (r *replicator) handleJob(ctx context.Context, job replicateJob) {
	l := slog.With(
		slog.String("staging_key", job.filename),
		slog.Int("retries", job.retries),
	)

	err := r.replicateOnce(ctx, job)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrNotFound):
		l.Debug("replication skipped, file already deleted")
		return
	case job.retries >= r.maxRetries:
		l.Error("replication failed, max retries exceeded", slog.String("error", err.Error()))
		return
	}

	job.retries++
	if !r.enqueue(job) {
		l.Error("replication failed and queue is unavailable, dropping job",
			slog.String("error", err.Error()),
		)
		return
	}
	l.Warn("replication failed, job requeued",
		slog.String("error", err.Error()),
		slog.Int("next_retry", job.retries),
	)
}

func (r *replicator) replicateOnce(ctx context.Context, job replicateJob) error {
	rc, size, err := r.local.Open(ctx, job.filename)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	if job.size > 0 {
		size = job.size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, job.filename, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if job.hash != "" && remoteHash != "" && job.hash != remoteHash {
		_ = r.remote.Delete(ctx, job.filename)
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.hash, remoteHash)
	}

	// The task may have been deleted while the copy was in flight.
	if probe, _, err := r.local.Open(ctx, job.filename); errors.Is(err, ErrNotFound) {
		return r.remote.Delete(ctx, job.filename)
	} else if err == nil {
		_ = probe.Close()
	}

	slog.Debug("replicator: file replicated",
		slog.String("staging_key", job.filename),
		slog.Int64("size", written),
	)
	return nil
}

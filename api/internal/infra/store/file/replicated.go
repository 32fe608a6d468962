package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ReplicaConfig sizes the background copy to the remote store.
type ReplicaConfig struct {
	QueueSize  int
	Workers    int
	MaxRetries int
}

// replicatedStore answers from local disk and keeps a remote copy of every
// staged file, so a replacement node can still read documents queued before
// a restart.
type replicatedStore struct {
	local      Storage
	remote     Storage
	replicator *replicator
}

func NewReplicatedStore(ctx context.Context, local, remote Storage, cfg ReplicaConfig) *replicatedStore {
	repl := newReplicator(local, remote, cfg.QueueSize, cfg.Workers, cfg.MaxRetries)
	repl.start(ctx)

	return &replicatedStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *replicatedStore) Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}

	if !s.replicator.enqueue(replicateJob{filename: filename, size: written, hash: hash}) {
		slog.Warn("replication queue is full, file kept locally only",
			slog.String("staging_key", filename),
		)
	}
	return written, hash, nil
}

func (s *replicatedStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if errors.Is(err, ErrNotFound) {
		return s.remote.Open(ctx, filename)
	}
	return rc, size, err
}

func (s *replicatedStore) Delete(ctx context.Context, filename string) error {
	return errors.Join(
		s.local.Delete(ctx, filename),
		s.remote.Delete(ctx, filename),
	)
}

func (s *replicatedStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	return errors.Join(
		s.local.CleanupOlderThan(ctx, maxAge),
		s.remote.CleanupOlderThan(ctx, maxAge),
	)
}

// Close waits for queued copies until ctx expires.
func (s *replicatedStore) Close(ctx context.Context) error {
	return s.replicator.stop(ctx)
}

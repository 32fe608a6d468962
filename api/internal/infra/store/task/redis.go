package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/dococr/api/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 16

// redisTaskStore keeps one hash per task plus a creation-ordered sorted set,
// so several API instances can share task state.
type redisTaskStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisTaskStore(rdb redis.UniversalClient) *redisTaskStore {
	return &redisTaskStore{rdb: rdb, now: time.Now}
}

func (s *redisTaskStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	t := domain.NewTask(uuid.NewString(), p, s.now())

	fields, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.ZAdd(ctx, tasksByCreatedKey(), redis.Z{
		Score:  float64(t.CreatedAt.UnixMicro()),
		Member: t.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Task{}, fmt.Errorf("redis create task: %w", err)
	}

	return t, nil
}

func (s *redisTaskStore) Task(ctx context.Context, id string) (domain.Task, error) {
	res, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis get task: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return decodeTask(id, res)
}

func (s *redisTaskStore) List(ctx context.Context, limit, offset int) ([]domain.Task, int, error) {
	total, err := s.rdb.ZCard(ctx, tasksByCreatedKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis count tasks: %w", err)
	}
	if limit <= 0 || int64(offset) >= total {
		return []domain.Task{}, int(total), nil
	}

	ids, err := s.rdb.ZRevRange(ctx, tasksByCreatedKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis list tasks: %w", err)
	}

	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	return tasks, int(total), nil
}

func (s *redisTaskStore) load(ctx context.Context, ids []string) ([]domain.Task, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load tasks: %w", err)
	}

	out := make([]domain.Task, 0, len(ids))
	for i, cmd := range cmds {
		res := cmd.Val()
		if len(res) == 0 {
			continue
		}
		t, err := decodeTask(ids[i], res)
		if err != nil {
			slog.Warn("redis decode task", slog.String("task_id", ids[i]), slog.String("error", err.Error()))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Update applies m inside WATCH/MULTI and retries when another writer won.
func (s *redisTaskStore) Update(ctx context.Context, id string, m domain.Mutation) (domain.Task, error) {
	key := taskKey(id)

	for range maxUpdateRetries {
		var out domain.Task
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			res, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(res) == 0 {
				return domain.ErrTaskNotFound
			}
			cur, err := decodeTask(id, res)
			if err != nil {
				return err
			}

			next, changed, err := domain.Apply(cur, m, s.now())
			if err != nil {
				return err
			}
			out = next
			if !changed {
				return nil
			}

			fields, err := encodeTask(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}
		return out, nil
	}

	return domain.Task{}, fmt.Errorf("redis update task %s: too much contention", id)
}

func (s *redisTaskStore) Delete(ctx context.Context, id string) error {
	key := taskKey(id)

	for range maxUpdateRetries {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			state, err := tx.HGet(ctx, key, "state").Result()
			if errors.Is(err, redis.Nil) {
				return domain.ErrTaskNotFound
			}
			if err != nil {
				return err
			}
			if !domain.State(state).Terminal() {
				return domain.ErrTaskBusy
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, tasksByCreatedKey(), id)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("redis delete task %s: too much contention", id)
}

func (s *redisTaskStore) IDsByState(ctx context.Context, states ...domain.State) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, tasksByCreatedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list task ids: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, taskKey(id), "state")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load task states: %w", err)
	}

	var out []string
	for i, cmd := range cmds {
		state := domain.State(cmd.Val())
		for _, want := range states {
			if state == want {
				out = append(out, ids[i])
				break
			}
		}
	}
	return out, nil
}

func (s *redisTaskStore) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, tasksByCreatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis expired tasks: %w", err)
	}

	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, t := range tasks {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *redisTaskStore) SaveBatch(ctx context.Context, b domain.Batch) error {
	ids, err := json.Marshal(b.TaskIDs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, batchKey(b.ID), map[string]any{
		"created_at": b.CreatedAt.UnixNano(),
		"task_ids":   string(ids),
	})
	pipe.ZAdd(ctx, batchesByCreatedKey(), redis.Z{
		Score:  float64(b.CreatedAt.UnixMicro()),
		Member: b.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save batch: %w", err)
	}
	return nil
}

func (s *redisTaskStore) Batch(ctx context.Context, id string) (domain.Batch, error) {
	res, err := s.rdb.HGetAll(ctx, batchKey(id)).Result()
	if err != nil {
		return domain.Batch{}, fmt.Errorf("redis get batch: %w", err)
	}
	if len(res) == 0 {
		return domain.Batch{}, domain.ErrBatchNotFound
	}

	b := domain.Batch{ID: id, CreatedAt: parseNano(res["created_at"])}
	if err := json.Unmarshal([]byte(res["task_ids"]), &b.TaskIDs); err != nil {
		return domain.Batch{}, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return b, nil
}

func (s *redisTaskStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, batchesByCreatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis expired batches: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, batchKey(id))
		pipe.ZRem(ctx, batchesByCreatedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis delete batches: %w", err)
	}
	return len(ids), nil
}

func encodeTask(t domain.Task) (map[string]any, error) {
	fields := map[string]any{
		"batch_id":     t.BatchID,
		"filename":     t.Filename,
		"content_type": t.ContentType,
		"size_bytes":   t.SizeBytes,
		"content_hash": t.ContentHash,
		"staging_key":  t.StagingKey,
		"engine":       t.Engine,
		"languages":    strings.Join(t.Languages, ","),
		"state":        string(t.State),
		"progress":     t.Progress,
		"created_at":   t.CreatedAt.UnixNano(),
		"updated_at":   t.UpdatedAt.UnixNano(),
		"started_at":   optionalNano(t.StartedAt),
		"finished_at":  optionalNano(t.FinishedAt),
		"owner":        t.Owner,
		"lease_until":  optionalNano(t.LeaseUntil),
		"result":       "",
		"error":        "",
	}

	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		fields["result"] = string(b)
	}
	if t.Error != nil {
		b, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error: %w", err)
		}
		fields["error"] = string(b)
	}
	return fields, nil
}

func decodeTask(id string, res map[string]string) (domain.Task, error) {
	t := domain.Task{
		ID:          id,
		BatchID:     res["batch_id"],
		Filename:    res["filename"],
		ContentType: res["content_type"],
		ContentHash: res["content_hash"],
		StagingKey:  res["staging_key"],
		Engine:      res["engine"],
		State:       domain.State(res["state"]),
		CreatedAt:   parseNano(res["created_at"]),
		UpdatedAt:   parseNano(res["updated_at"]),
		StartedAt:   parseOptionalNano(res["started_at"]),
		FinishedAt:  parseOptionalNano(res["finished_at"]),
		Owner:       res["owner"],
		LeaseUntil:  parseOptionalNano(res["lease_until"]),
	}
	if !t.State.Valid() {
		return domain.Task{}, fmt.Errorf("task %s has invalid state %q", id, res["state"])
	}
	if v := res["languages"]; v != "" {
		t.Languages = strings.Split(v, ",")
	}
	if n, err := strconv.ParseInt(res["size_bytes"], 10, 64); err == nil {
		t.SizeBytes = n
	}
	if n, err := strconv.Atoi(res["progress"]); err == nil {
		t.Progress = n
	}

	if v := res["result"]; v != "" {
		var r domain.Result
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return domain.Task{}, fmt.Errorf("decode result of %s: %w", id, err)
		}
		t.Result = &r
	}
	if v := res["error"]; v != "" {
		var e domain.TaskError
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return domain.Task{}, fmt.Errorf("decode error of %s: %w", id, err)
		}
		t.Error = &e
	}
	return t, nil
}

func optionalNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func parseNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func parseOptionalNano(v string) *time.Time {
	t := parseNano(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func taskKey(id string) string {
	return "ocr:task:" + id
}

func tasksByCreatedKey() string {
	return "ocr:tasks:by_created"
}

func batchKey(id string) string {
	return "ocr:batch:" + id
}

func batchesByCreatedKey() string {
	return "ocr:batches:by_created"
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// TaskRepository owns the task records: the single source of truth for
// externally visible task state. The orchestration engine reads a record to
// build its flow graph and writes status/progress/result/errorLog back.
type TaskRepository interface {
	Create(ctx context.Context, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook string, idempotencyKey string, traceParent, traceState string) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Save(ctx context.Context, t *domain.Task) error
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type taskRedisRepo struct {
	rdb   *redis.Client
	tz    *time.Location
	bloom *idempotencyBloom
}

func NewTaskRepository(rdb *redis.Client, tz *time.Location) TaskRepository {
	return &taskRedisRepo{
		rdb:   rdb,
		tz:    tz,
		bloom: newIdempotencyBloom(1_000_000, 0.01, 30*time.Minute),
	}
}

// Records are retained for a day after their last touch; cleanup is an
// explicit admin operation over the Z index, never a cost on the hot path.
const taskRetention = 24 * time.Hour

func (r *taskRedisRepo) keyTasksHash() string { return "mediaq:tasks" }
func (r *taskRedisRepo) keyTTLIndex() string  { return "mediaq:tasks:ttl" }
func (r *taskRedisRepo) keyIdempotency(key string) string {
	return fmt.Sprintf("mediaq:idempo:%s", key)
}

func (r *taskRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalTask(jsonStr string) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRedisRepo) registerTTL(ctx context.Context, id string, expireAt time.Time) error {
	z := &redis.Z{Score: float64(expireAt.UTC().Unix()), Member: id}
	return r.rdb.ZAdd(ctx, r.keyTTLIndex(), z).Err()
}

func (r *taskRedisRepo) bumpTTL(ctx context.Context, id string) {
	_ = r.registerTTL(ctx, id, r.now().Add(taskRetention))
}

func (r *taskRedisRepo) Create(ctx context.Context, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook string, idempotencyKey string, traceParent, traceState string) (*domain.Task, error) {
	if idempotencyKey != "" {
		return r.createIdempotent(ctx, taskType, workspaceID, payload, webhook, idempotencyKey, traceParent, traceState)
	}
	return r.createWithID(ctx, uuid.NewString(), taskType, workspaceID, payload, webhook, traceParent, traceState)
}

func (r *taskRedisRepo) createIdempotent(ctx context.Context, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook string, idempotencyKey string, traceParent, traceState string) (*domain.Task, error) {
	idKey := r.keyIdempotency(idempotencyKey)

	// The bloom filter only short-circuits the negative lookup; SETNX below is
	// what actually guarantees dedupe.
	if r.bloom.MaybeHas(idempotencyKey) {
		if existingID, err := r.rdb.Get(ctx, idKey).Result(); err == nil && existingID != "" {
			if task, err := r.Get(ctx, existingID); err == nil {
				return task, nil
			}
			_ = r.rdb.Del(ctx, idKey).Err()
		}
	}

	id := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, idKey, id, taskRetention).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SETNX idempotency: %w", err)
	}
	r.bloom.Add(idempotencyKey)
	if !ok {
		if existingID, err := r.rdb.Get(ctx, idKey).Result(); err == nil && existingID != "" {
			if task, err := r.Get(ctx, existingID); err == nil {
				return task, nil
			}
		}
		return nil, fmt.Errorf("idempotency conflict")
	}
	task, err := r.createWithID(ctx, id, taskType, workspaceID, payload, webhook, traceParent, traceState)
	if err != nil {
		_ = r.rdb.Del(ctx, idKey).Err()
		return nil, err
	}
	return task, nil
}

func (r *taskRedisRepo) createWithID(ctx context.Context, id string, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook string, traceParent, traceState string) (*domain.Task, error) {
	now := r.now()
	task := domain.Task{
		ID:          id,
		Type:        taskType,
		WorkspaceID: workspaceID,
		Payload:     payload,
		Webhook:     webhook,
		Status:      domain.TaskQueued,
		TraceParent: traceParent,
		TraceState:  traceState,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.rdb.HSet(ctx, r.keyTasksHash(), id, marshal(task)).Err(); err != nil {
		return nil, fmt.Errorf("redis HSET task: %w", err)
	}
	if err := r.registerTTL(ctx, id, now.Add(taskRetention)); err != nil {
		return nil, fmt.Errorf("redis ZADD ttl-index: %w", err)
	}
	return &task, nil
}

func (r *taskRedisRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	js, err := r.rdb.HGet(ctx, r.keyTasksHash(), id).Result()
	if err == redis.Nil || js == "" {
		return nil, fmt.Errorf("not-found")
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET task: %w", err)
	}
	return unmarshalTask(js)
}

func (r *taskRedisRepo) Save(ctx context.Context, t *domain.Task) error {
	t.UpdatedAt = r.now()
	if err := r.rdb.HSet(ctx, r.keyTasksHash(), t.ID, marshal(t)).Err(); err != nil {
		return fmt.Errorf("redis HSET task: %w", err)
	}
	r.bumpTTL(ctx, t.ID)
	return nil
}

func (r *taskRedisRepo) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	maxTS := strconv.FormatInt(before.UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := r.rdb.ZRangeByScore(ctx, r.keyTTLIndex(), zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		pipe := r.rdb.TxPipeline()
		pipe.HDel(ctx, r.keyTasksHash(), id)
		pipe.ZRem(ctx, r.keyTTLIndex(), id)
		if _, err := pipe.Exec(ctx); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

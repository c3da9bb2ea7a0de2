package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/backoff"
	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// JobRepository is the distributed step queue: it persists a submitted flow
// graph as one parent job plus its child step jobs, serves claims to workers,
// resolves dependency links as children reach terminal states and emits the
// lifecycle events the flow supervisor consumes.
type JobRepository interface {
	// Submit persists the whole graph atomically and returns the parent job id.
	Submit(ctx context.Context, g *domain.Graph) (string, error)

	Claim(ctx context.Context, workerID string, leaseSeconds int, inspectLimit int) (*domain.Job, bool, error)
	Heartbeat(ctx context.Context, jobID, workerID string, extendSeconds int) error

	// CompleteStep records a successful step outcome and releases dependents.
	CompleteStep(ctx context.Context, job *domain.Job, output json.RawMessage) error
	// FailStep records a failed execution: it either schedules a retry with
	// exponential backoff or, once attempts are exhausted, finalizes the step
	// as failed and releases dependents. fatal forces immediate exhaustion.
	FailStep(ctx context.Context, job *domain.Job, errMsg string, fatal bool) (delaySeconds int, exhausted bool, err error)

	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// StepResults returns the parent's cached step-result mapping.
	StepResults(ctx context.Context, parentID string) (map[domain.StepType]domain.StepResult, error)
	// ChildrenTotal is the static total-step count of a submitted graph.
	ChildrenTotal(ctx context.Context, parentID string) (int, error)

	// Cancel flags the parent so not-yet-started children never run; running
	// children are left to finish.
	Cancel(ctx context.Context, parentID string) error
	Canceled(ctx context.Context, parentID string) (bool, error)

	MoveDueDelayed(ctx context.Context, limit int) (int, error)
	QueueStats(ctx context.Context) (*domain.QueueStats, error)

	// NextEvent blocks up to timeout for the next lifecycle event.
	NextEvent(ctx context.Context, timeout time.Duration) (*domain.Event, bool, error)
	// PushEvent appends a synthetic event; used by the engine to route
	// supervisor-level failures through the same single-consumer channel.
	PushEvent(ctx context.Context, ev domain.Event) error
}

type jobRedisRepo struct {
	rdb               *redis.Client
	tz                *time.Location
	backoffMaxSeconds int
}

func NewJobRepository(rdb *redis.Client, tz *time.Location, backoffMaxSeconds int) JobRepository {
	if backoffMaxSeconds <= 0 {
		backoffMaxSeconds = 900
	}
	return &jobRedisRepo{rdb: rdb, tz: tz, backoffMaxSeconds: backoffMaxSeconds}
}

// ===== keys =====

func (r *jobRedisRepo) keyJobsHash() string   { return "mediaq:jobs" }
func (r *jobRedisRepo) keyJobsTTL() string    { return "mediaq:jobs:ttl" }
func (r *jobRedisRepo) keyPending() string    { return "mediaq:q:pending" }
func (r *jobRedisRepo) keyDelayed() string    { return "mediaq:q:delayed" }
func (r *jobRedisRepo) keyInprog() string     { return "mediaq:q:inprog" }
func (r *jobRedisRepo) keyDLQ() string        { return "mediaq:q:dlq" }
func (r *jobRedisRepo) keyEvents() string     { return "mediaq:events" }
func (r *jobRedisRepo) keyParents() string    { return "mediaq:parents" }
func (r *jobRedisRepo) keyCanceled() string   { return "mediaq:canceled" }
func (r *jobRedisRepo) keyLease(id string) string { return fmt.Sprintf("mediaq:lease:%s", id) }
func (r *jobRedisRepo) keyDeps(childID string) string {
	return fmt.Sprintf("mediaq:job:deps:%s", childID)
}
func (r *jobRedisRepo) keyChildren(parentID string) string {
	return fmt.Sprintf("mediaq:parent:children:%s", parentID)
}
func (r *jobRedisRepo) keySteps(parentID string) string {
	return fmt.Sprintf("mediaq:parent:steps:%s", parentID)
}
func (r *jobRedisRepo) keyRemaining(parentID string) string {
	return fmt.Sprintf("mediaq:parent:remaining:%s", parentID)
}

const jobRetention = 24 * time.Hour

func (r *jobRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func unmarshalJob(jsonStr string) (*domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(jsonStr), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRedisRepo) saveJob(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = r.now()
	if err := r.rdb.HSet(ctx, r.keyJobsHash(), j.ID, marshal(j)).Err(); err != nil {
		return fmt.Errorf("redis HSET job: %w", err)
	}
	return nil
}

func (r *jobRedisRepo) publish(ctx context.Context, ev domain.Event) {
	ev.At = r.now()
	// Events ride a list, not pub/sub: the supervisor is a single BLPOP
	// consumer, so no terminal state is lost to a disconnected subscriber.
	if err := r.rdb.RPush(ctx, r.keyEvents(), marshal(ev)).Err(); err == nil {
		metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// ===== submission =====

func (r *jobRedisRepo) Submit(ctx context.Context, g *domain.Graph) (string, error) {
	if err := g.Validate(); err != nil {
		return "", fmt.Errorf("submit graph: %w", err)
	}
	now := r.now()
	parentID := uuid.NewString()

	parent := domain.Job{
		ID:        parentID,
		Kind:      domain.JobParent,
		TaskID:    g.TaskID,
		TaskType:  g.TaskType,
		Status:    domain.JobRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	children := make([]domain.Job, 0, len(g.Steps))
	for _, n := range g.Steps {
		status := domain.JobPending
		if len(n.DependsOn) > 0 {
			status = domain.JobWaiting
		}
		children = append(children, domain.Job{
			ID:                  uuid.NewString(),
			Kind:                domain.JobStep,
			ParentID:            parentID,
			TaskID:              g.TaskID,
			TaskType:            g.TaskType,
			StepType:            n.Type,
			Input:               n.Input,
			DependsOn:           n.DependsOn,
			Status:              status,
			MaxAttempts:         n.Retry.MaxAttempts,
			InitialDelaySeconds: n.Retry.InitialDelaySeconds,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}

	// One MULTI/EXEC: either the whole graph lands in the queue store or none
	// of it does.
	expire := float64(now.Add(jobRetention).UTC().Unix())
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keyJobsHash(), parent.ID, marshal(parent))
	pipe.ZAdd(ctx, r.keyJobsTTL(), &redis.Z{Score: expire, Member: parent.ID})
	pipe.SAdd(ctx, r.keyParents(), parent.ID)
	pipe.Set(ctx, r.keyRemaining(parentID), len(children), jobRetention)
	for i := range children {
		c := &children[i]
		pipe.HSet(ctx, r.keyJobsHash(), c.ID, marshal(c))
		pipe.ZAdd(ctx, r.keyJobsTTL(), &redis.Z{Score: expire, Member: c.ID})
		pipe.SAdd(ctx, r.keyChildren(parentID), c.ID)
		if len(c.DependsOn) > 0 {
			deps := make([]interface{}, 0, len(c.DependsOn))
			for _, d := range c.DependsOn {
				deps = append(deps, string(d))
			}
			pipe.SAdd(ctx, r.keyDeps(c.ID), deps...)
			pipe.Expire(ctx, r.keyDeps(c.ID), jobRetention)
		} else {
			pipe.LPush(ctx, r.keyPending(), c.ID)
		}
	}
	pipe.Expire(ctx, r.keyChildren(parentID), jobRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit graph pipeline: %w", err)
	}

	metrics.GraphSubmittedTotal.WithLabelValues(string(g.TaskType)).Inc()
	return parentID, nil
}

// ===== claim =====

// claimMoveScript atomically pops one ID from the pending list and tracks it
// in the in-progress set, skipping duplicates already in-progress.
//
// KEYS[1] = pending list key
// KEYS[2] = in-progress set key
// ARGV[1] = max inner iterations (int)
var claimMoveScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local maxIter = tonumber(ARGV[1]) or 1
for i=1,maxIter do
  local id = redis.call("RPOP", src)
  if not id then
    return false
  end
  if redis.call("SADD", dst, id) == 1 then
    return id
  end
end
return false
`)

func (r *jobRedisRepo) Claim(ctx context.Context, workerID string, leaseSeconds int, inspectLimit int) (*domain.Job, bool, error) {
	if inspectLimit <= 0 {
		inspectLimit = 50
	}
	if _, err := r.MoveDueDelayed(ctx, inspectLimit); err != nil {
		return nil, false, err
	}
	if _, err := r.requeueExpired(ctx, inspectLimit); err != nil {
		return nil, false, err
	}

	for i := 0; i < inspectLimit; i++ {
		res, err := claimMoveScript.Run(ctx, r.rdb, []string{r.keyPending(), r.keyInprog()}, 1).Result()
		if err == redis.Nil {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim move script: %w", err)
		}
		id, ok := res.(string)
		if !ok || id == "" {
			return nil, false, nil
		}

		js, err := r.rdb.HGet(ctx, r.keyJobsHash(), id).Result()
		if err == redis.Nil || js == "" {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis HGET job: %w", err)
		}
		j, err := unmarshalJob(js)
		if err != nil {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
			continue
		}

		// Cancellation gate: flagged parents never start new steps.
		if canceled, _ := r.Canceled(ctx, j.ParentID); canceled {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
			r.finalizeChild(ctx, j, domain.JobCanceled, "task canceled", false)
			continue
		}

		leaseKey := r.keyLease(id)
		if err := r.rdb.SetEX(ctx, leaseKey, workerID, time.Duration(leaseSeconds)*time.Second).Err(); err != nil {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
			_ = r.rdb.LPush(ctx, r.keyPending(), id).Err()
			return nil, false, fmt.Errorf("redis SETEX lease: %w", err)
		}

		j.Status = domain.JobRunning
		j.WorkerID = workerID
		j.LeaseUntil = r.now().Add(time.Duration(leaseSeconds) * time.Second).UTC().Format(time.RFC3339)
		j.Attempts++
		if err := r.saveJob(ctx, j); err != nil {
			return nil, false, err
		}

		// Do not clobber a completed cached result when a sibling retry causes
		// this step to be re-claimed; the dispatcher will short-circuit it.
		if cached, _ := r.stepResult(ctx, j.ParentID, j.StepType); cached == nil || cached.Status != domain.StepCompleted {
			r.setStepResult(ctx, j.ParentID, domain.StepResult{
				Step:      j.StepType,
				Status:    domain.StepRunning,
				Attempts:  j.Attempts,
				StartedAt: r.now(),
			})
		}

		r.publish(ctx, domain.Event{
			Kind:     domain.EventStepActive,
			ParentID: j.ParentID,
			TaskID:   j.TaskID,
			TaskType: j.TaskType,
			StepType: j.StepType,
			Attempts: j.Attempts,
		})
		metrics.StepClaimedTotal.WithLabelValues(string(j.StepType)).Inc()
		return j, true, nil
	}
	return nil, false, nil
}

func (r *jobRedisRepo) Heartbeat(ctx context.Context, jobID, workerID string, extendSeconds int) error {
	j, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.WorkerID != workerID {
		return fmt.Errorf("not-owner")
	}
	if err := r.rdb.Expire(ctx, r.keyLease(jobID), time.Duration(extendSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE lease: %w", err)
	}
	j.LeaseUntil = r.now().Add(time.Duration(extendSeconds) * time.Second).UTC().Format(time.RFC3339)
	return r.saveJob(ctx, j)
}

// requeueExpired performs claim-time repair: any in-progress job whose lease
// vanished is treated as a failed execution of its current attempt.
func (r *jobRedisRepo) requeueExpired(ctx context.Context, inspectLimit int) (int, error) {
	ids, err := r.rdb.SRandMemberN(ctx, r.keyInprog(), int64(inspectLimit)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis SRANDMEMBER inprog: %w", err)
	}
	moved := 0
	for _, id := range ids {
		ttl, err := r.rdb.TTL(ctx, r.keyLease(id)).Result()
		if err != nil && err != redis.Nil {
			return moved, fmt.Errorf("redis TTL lease: %w", err)
		}
		if ttl > 0 {
			continue
		}
		j, err := r.GetJob(ctx, id)
		if err != nil {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
			continue
		}
		if !j.Status.Terminal() {
			metrics.LeaseExpiredTotal.WithLabelValues(string(j.StepType)).Inc()
			if _, _, err := r.FailStep(ctx, j, "lease expired", false); err != nil {
				return moved, err
			}
			moved++
		} else {
			_ = r.rdb.SRem(ctx, r.keyInprog(), id).Err()
		}
	}
	return moved, nil
}

func (r *jobRedisRepo) MoveDueDelayed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	maxTS := strconv.FormatInt(r.now().UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}
	ids, err := r.rdb.ZRangeByScore(ctx, r.keyDelayed(), zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis ZRANGEBYSCORE delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, r.keyDelayed(), id)
		pipe.LPush(ctx, r.keyPending(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if j, err := r.GetJob(ctx, id); err == nil {
			j.Status = domain.JobPending
			j.WorkerID = ""
			j.LeaseUntil = ""
			_ = r.saveJob(ctx, j)
		}
	}
	return len(ids), nil
}

// ===== completion / failure =====

func (r *jobRedisRepo) CompleteStep(ctx context.Context, job *domain.Job, output json.RawMessage) error {
	// Duplicate ack guard: a job already terminal in the store must not run
	// the parent bookkeeping a second time.
	if stored, err := r.GetJob(ctx, job.ID); err == nil && stored.Status.Terminal() {
		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, r.keyInprog(), job.ID)
		pipe.Del(ctx, r.keyLease(job.ID))
		_, _ = pipe.Exec(ctx)
		return nil
	}
	job.Status = domain.JobCompleted
	job.Error = ""
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, r.keyInprog(), job.ID)
	pipe.Del(ctx, r.keyLease(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	now := r.now()
	r.setStepResult(ctx, job.ParentID, domain.StepResult{
		Step:        job.StepType,
		Status:      domain.StepCompleted,
		Output:      output,
		Attempts:    job.Attempts,
		StartedAt:   now, // refined by the supervisor's aggregate view
		CompletedAt: now,
	})
	r.publish(ctx, domain.Event{
		Kind:     domain.EventStepCompleted,
		ParentID: job.ParentID,
		TaskID:   job.TaskID,
		TaskType: job.TaskType,
		StepType: job.StepType,
		Attempts: job.Attempts,
	})
	metrics.StepFinishedTotal.WithLabelValues(string(job.StepType), string(domain.StepCompleted)).Inc()

	return r.childReachedTerminal(ctx, job)
}

func (r *jobRedisRepo) FailStep(ctx context.Context, job *domain.Job, errMsg string, fatal bool) (int, bool, error) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	exhausted := fatal || job.Attempts >= job.MaxAttempts

	if !exhausted {
		delay := backoff.StepDelay(job.InitialDelaySeconds, r.backoffMaxSeconds, job.Attempts)
		visibleAt := r.now().Add(time.Duration(delay) * time.Second).UTC().Unix()

		job.Status = domain.JobPending
		job.WorkerID = ""
		job.LeaseUntil = ""
		job.Error = errMsg
		if err := r.saveJob(ctx, job); err != nil {
			return 0, false, err
		}
		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, r.keyInprog(), job.ID)
		pipe.Del(ctx, r.keyLease(job.ID))
		pipe.ZAdd(ctx, r.keyDelayed(), &redis.Z{Score: float64(visibleAt), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, err
		}

		// The step is considered running again from the task's point of view;
		// the queue's backoff will re-deliver it.
		r.setStepResult(ctx, job.ParentID, domain.StepResult{
			Step:     job.StepType,
			Status:   domain.StepRunning,
			Error:    errMsg,
			Attempts: job.Attempts,
		})
		r.publish(ctx, domain.Event{
			Kind:     domain.EventStepRetried,
			ParentID: job.ParentID,
			TaskID:   job.TaskID,
			TaskType: job.TaskType,
			StepType: job.StepType,
			Attempts: job.Attempts,
			Error:    errMsg,
		})
		metrics.StepRetriedTotal.WithLabelValues(string(job.StepType)).Inc()
		return delay, false, nil
	}

	r.finalizeChild(ctx, job, domain.JobFailed, errMsg, true)
	return 0, true, nil
}

// finalizeChild moves a child into a terminal state and runs the shared
// bookkeeping (DLQ, cached result, event, dependency release).
func (r *jobRedisRepo) finalizeChild(ctx context.Context, job *domain.Job, status domain.JobStatus, errMsg string, toDLQ bool) {
	if stored, err := r.GetJob(ctx, job.ID); err == nil && stored.Status.Terminal() {
		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, r.keyInprog(), job.ID)
		pipe.Del(ctx, r.keyLease(job.ID))
		_, _ = pipe.Exec(ctx)
		return
	}
	job.Status = status
	job.Error = errMsg
	_ = r.saveJob(ctx, job)

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, r.keyInprog(), job.ID)
	pipe.Del(ctx, r.keyLease(job.ID))
	pipe.ZRem(ctx, r.keyDelayed(), job.ID)
	if toDLQ {
		pipe.LPush(ctx, r.keyDLQ(), job.ID)
	}
	_, _ = pipe.Exec(ctx)

	if status == domain.JobFailed {
		r.setStepResult(ctx, job.ParentID, domain.StepResult{
			Step:        job.StepType,
			Status:      domain.StepFailed,
			Error:       errMsg,
			Attempts:    job.Attempts,
			CompletedAt: r.now(),
		})
		r.publish(ctx, domain.Event{
			Kind:     domain.EventStepFailed,
			ParentID: job.ParentID,
			TaskID:   job.TaskID,
			TaskType: job.TaskType,
			StepType: job.StepType,
			Attempts: job.Attempts,
			Error:    errMsg,
		})
		metrics.StepFinishedTotal.WithLabelValues(string(job.StepType), string(domain.StepFailed)).Inc()
	}

	_ = r.childReachedTerminal(ctx, job)
}

// depsReleaseScript removes one resolved step type from a child's waiting set
// and reports whether the set just became empty.
//
// KEYS[1] = deps set key
// ARGV[1] = resolved step type
var depsReleaseScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("SCARD", KEYS[1]) == 0 then
  return 1
end
return 0
`)

// childReachedTerminal releases dependents (a dependency is satisfied when it
// reaches any terminal state, not only success: dependents of a failed step
// run with whatever results exist and the task outcome is governed by policy)
// and fires parent completion when the graph has drained.
func (r *jobRedisRepo) childReachedTerminal(ctx context.Context, job *domain.Job) error {
	siblings, err := r.rdb.SMembers(ctx, r.keyChildren(job.ParentID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis SMEMBERS children: %w", err)
	}
	for _, sibID := range siblings {
		if sibID == job.ID {
			continue
		}
		sib, err := r.GetJob(ctx, sibID)
		if err != nil || sib.Status != domain.JobWaiting {
			continue
		}
		waitsOnUs := false
		for _, d := range sib.DependsOn {
			if d == job.StepType {
				waitsOnUs = true
				break
			}
		}
		if !waitsOnUs {
			continue
		}
		res, err := depsReleaseScript.Run(ctx, r.rdb, []string{r.keyDeps(sibID)}, string(job.StepType)).Int()
		if err != nil {
			return fmt.Errorf("deps release script: %w", err)
		}
		if res == 1 {
			sib.Status = domain.JobPending
			if err := r.saveJob(ctx, sib); err != nil {
				return err
			}
			if err := r.rdb.LPush(ctx, r.keyPending(), sibID).Err(); err != nil {
				return fmt.Errorf("redis LPUSH pending: %w", err)
			}
		}
	}

	remaining, err := r.rdb.Decr(ctx, r.keyRemaining(job.ParentID)).Result()
	if err != nil {
		return fmt.Errorf("redis DECR remaining: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if remaining < 0 {
		// Double-terminal accounting bug; surface it instead of hanging the task.
		r.publish(ctx, domain.Event{
			Kind:     domain.EventParentFailed,
			ParentID: job.ParentID,
			TaskID:   job.TaskID,
			TaskType: job.TaskType,
			Error:    fmt.Sprintf("remaining counter underflow (%d)", remaining),
		})
		return nil
	}

	parent, err := r.GetJob(ctx, job.ParentID)
	if err != nil {
		return err
	}
	parent.Status = domain.JobCompleted
	if err := r.saveJob(ctx, parent); err != nil {
		return err
	}
	// A canceled graph drains without a completion event: the cancel event
	// already settled the task's terminal status.
	if canceled, _ := r.Canceled(ctx, parent.ID); canceled {
		return nil
	}
	r.publish(ctx, domain.Event{
		Kind:     domain.EventParentCompleted,
		ParentID: parent.ID,
		TaskID:   parent.TaskID,
		TaskType: parent.TaskType,
	})
	return nil
}

// ===== parent data =====

func (r *jobRedisRepo) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	js, err := r.rdb.HGet(ctx, r.keyJobsHash(), id).Result()
	if err == redis.Nil || js == "" {
		return nil, fmt.Errorf("not-found")
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET job: %w", err)
	}
	return unmarshalJob(js)
}

// setStepResult merges one entry into the parent's mapping. Each entry is its
// own hash field, so concurrent sibling completions never read-modify-write
// each other's data: last writer wins per step type only.
func (r *jobRedisRepo) setStepResult(ctx context.Context, parentID string, res domain.StepResult) {
	_ = r.rdb.HSet(ctx, r.keySteps(parentID), string(res.Step), marshal(res)).Err()
	_ = r.rdb.Expire(ctx, r.keySteps(parentID), jobRetention).Err()
}

func (r *jobRedisRepo) stepResult(ctx context.Context, parentID string, step domain.StepType) (*domain.StepResult, error) {
	js, err := r.rdb.HGet(ctx, r.keySteps(parentID), string(step)).Result()
	if err == redis.Nil || js == "" {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET step result: %w", err)
	}
	var res domain.StepResult
	if err := json.Unmarshal([]byte(js), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *jobRedisRepo) StepResults(ctx context.Context, parentID string) (map[domain.StepType]domain.StepResult, error) {
	entries, err := r.rdb.HGetAll(ctx, r.keySteps(parentID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis HGETALL step results: %w", err)
	}
	out := make(map[domain.StepType]domain.StepResult, len(entries))
	for field, js := range entries {
		var res domain.StepResult
		if err := json.Unmarshal([]byte(js), &res); err != nil {
			continue
		}
		out[domain.StepType(field)] = res
	}
	return out, nil
}

func (r *jobRedisRepo) ChildrenTotal(ctx context.Context, parentID string) (int, error) {
	n, err := r.rdb.SCard(ctx, r.keyChildren(parentID)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis SCARD children: %w", err)
	}
	return int(n), nil
}

// ===== cancellation =====

func (r *jobRedisRepo) Cancel(ctx context.Context, parentID string) error {
	parent, err := r.GetJob(ctx, parentID)
	if err != nil {
		return err
	}
	if err := r.rdb.SAdd(ctx, r.keyCanceled(), parentID).Err(); err != nil {
		return fmt.Errorf("redis SADD canceled: %w", err)
	}

	// Published before the sweep so the supervisor settles the task as
	// canceled before any parent-drain event can reach it.
	r.publish(ctx, domain.Event{
		Kind:     domain.EventTaskCanceled,
		ParentID: parentID,
		TaskID:   parent.TaskID,
		TaskType: parent.TaskType,
	})

	// Sweep children that have not started; running ones finish on their own.
	children, err := r.rdb.SMembers(ctx, r.keyChildren(parentID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis SMEMBERS children: %w", err)
	}
	for _, id := range children {
		j, err := r.GetJob(ctx, id)
		if err != nil {
			continue
		}
		switch j.Status {
		case domain.JobWaiting, domain.JobPending:
			pipe := r.rdb.TxPipeline()
			pipe.LRem(ctx, r.keyPending(), 0, id)
			pipe.ZRem(ctx, r.keyDelayed(), id)
			pipe.Del(ctx, r.keyDeps(id))
			_, _ = pipe.Exec(ctx)
			r.finalizeChild(ctx, j, domain.JobCanceled, "task canceled", false)
		}
	}
	return nil
}

func (r *jobRedisRepo) Canceled(ctx context.Context, parentID string) (bool, error) {
	if parentID == "" {
		return false, nil
	}
	ok, err := r.rdb.SIsMember(ctx, r.keyCanceled(), parentID).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return ok, nil
}

// ===== stats & events =====

func (r *jobRedisRepo) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	ready, err := r.rdb.LLen(ctx, r.keyPending()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	delayed, err := r.rdb.ZCard(ctx, r.keyDelayed()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	inprog, err := r.rdb.SCard(ctx, r.keyInprog()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	dlq, err := r.rdb.LLen(ctx, r.keyDLQ()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	parents, err := r.rdb.SCard(ctx, r.keyParents()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return &domain.QueueStats{
		Ready:      ready,
		Delayed:    delayed,
		InProgress: inprog,
		DLQ:        dlq,
		Parents:    parents,
	}, nil
}

func (r *jobRedisRepo) NextEvent(ctx context.Context, timeout time.Duration) (*domain.Event, bool, error) {
	vals, err := r.rdb.BLPop(ctx, timeout, r.keyEvents()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(vals) < 2 {
		return nil, false, nil
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(vals[1]), &ev); err != nil {
		return nil, false, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, true, nil
}

func (r *jobRedisRepo) PushEvent(ctx context.Context, ev domain.Event) error {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	return r.rdb.RPush(ctx, r.keyEvents(), marshal(ev)).Err()
}

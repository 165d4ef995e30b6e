package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sqs/internal/digest"
	"sqs/internal/domain"
	"sqs/internal/events"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

const taskScript = "prefill"

type EnqueueOptions struct {
	Payload   []byte
	Priority  int
	Requester string
}

type EnqueueResult struct {
	Task     domain.Task `json:"task"`
	Status   string      `json:"status" enum:"created,updated"`
	Position int         `json:"position"`
}

// TaskView is a task with its live queue position.
type TaskView struct {
	domain.Task
	Position  *int     `json:"position,omitempty"`
	TimeTaken *float64 `json:"time_taken,omitempty"`
}

func (e Engine) staleBefore() string {
	days := e.Config.Queue.StaleTasksDays
	return domain.FormatTime(e.now().Add(-time.Duration(days) * 24 * time.Hour))
}

// Enqueue logs a FULL request and upserts the single created task of its
// proposal. A running task for the proposal rejects the request.
func (e Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (EnqueueResult, error) {
	req, err := decodeRequest(opts.Payload)
	if err != nil {
		return EnqueueResult{}, err
	}
	if opts.Priority == 0 {
		opts.Priority = domain.PriorityNormal
	}
	if opts.Priority < domain.PriorityHigh || opts.Priority > domain.PriorityLow {
		return EnqueueResult{}, RequestError{Err: fmt.Errorf("priority %d out of range", opts.Priority)}
	}
	if opts.Requester == "" {
		opts.Requester = req.Requester
	}
	system := e.system(req.System)
	appID := int64(req.Proposal.ID)
	dig, err := digest.JCS(opts.Payload)
	if err != nil {
		return EnqueueResult{}, RequestError{Err: err}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.TaskFor(ctx, tx, system, appID, domain.TaskRunning); err == nil {
		return EnqueueResult{}, QueueConflictError{System: system, AppID: appID, Reason: "already running"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return EnqueueResult{}, err
	}
	logID, err := e.logRequest(ctx, tx, domain.RequestFull, system, appID, opts.Payload, dig, opts.Requester)
	if err != nil {
		return EnqueueResult{}, err
	}
	now := domain.FormatTime(e.now())
	id, created, err := e.Repo.UpsertCreatedTask(ctx, tx, domain.Task{
		ID:           uuid.NewString(),
		AppID:        appID,
		System:       system,
		Requester:    opts.Requester,
		Script:       taskScript,
		Description:  fmt.Sprintf("%s prefill for proposal %d", domain.RequestFull, appID),
		Status:       domain.TaskCreated,
		Priority:     opts.Priority,
		RequestLogID: &logID,
		Created:      now,
		UpdatedAt:    now,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("upsert task: %w", err)
	}
	task, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return EnqueueResult{}, err
	}
	res := EnqueueResult{Task: task, Status: "updated"}
	evt := events.TaskUpdated
	if created {
		res.Status, evt = "created", events.TaskEnqueued
	}
	if err := e.Events.Append(ctx, tx, evt, "task", task.ID, opts.Requester, events.EventPayload{
		"app_id":         appID,
		"priority":       task.Priority,
		"request_log_id": logID,
	}); err != nil {
		return EnqueueResult{}, err
	}
	pos, err := e.Repo.QueuePosition(ctx, tx, task, e.staleBefore())
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, err
	}
	res.Position = pos
	e.logger().Printf("[queue] %s task %s for %s/%d at position %d", res.Status, task.ID, system, appID, pos)
	return res, nil
}

// Position returns the 0-based queue position of t, or -1 when t is not
// waiting in the live queue.
func (e Engine) Position(ctx context.Context, t domain.Task) (int, error) {
	stale := e.staleBefore()
	if t.Status != domain.TaskCreated || t.Created < stale {
		return -1, nil
	}
	return e.Repo.QueuePosition(ctx, nil, t, stale)
}

// Queue lists the live created tasks in run order.
func (e Engine) Queue(ctx context.Context) ([]domain.Task, error) {
	return e.Repo.QueuedTasks(ctx, nil, e.staleBefore(), 0)
}

func (e Engine) TaskDetails(ctx context.Context, id string) (TaskView, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return TaskView{}, err
	}
	v := TaskView{Task: t, TimeTaken: t.TimeTaken()}
	pos, err := e.Position(ctx, t)
	if err != nil {
		return v, err
	}
	if pos >= 0 {
		v.Position = &pos
	}
	return v, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, t *domain.Task, status, actorID string) error {
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return err
	}
	from := t.Status
	now := domain.FormatTime(e.now())
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case domain.TaskRunning:
		t.StartTime = &now
		t.EndTime = nil
	case domain.TaskCreated:
		t.StartTime = nil
	default:
		t.EndTime = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TaskStatus, "task", t.ID, actorID, events.EventPayload{
		"from_status": from,
		"to_status":   status,
	})
}

// ClaimNext moves the head of the queue to running. Tasks that waited longer
// than queue.max_queue_time are closed on the way.
func (e Engine) ClaimNext(ctx context.Context) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()
	maxWait := e.Config.Queue.MaxQueueTime
	for {
		head, err := e.Repo.QueuedTasks(ctx, tx, e.staleBefore(), 1)
		if err != nil {
			return domain.Task{}, false, err
		}
		if len(head) == 0 {
			return domain.Task{}, false, tx.Commit()
		}
		t := head[0]
		if maxWait > 0 {
			created, err := domain.ParseTime(t.Created)
			if err == nil && e.now().Sub(created) > maxWait {
				t.Stderr = fmt.Sprintf("waited longer than %s", maxWait)
				if err := e.setStatus(ctx, tx, &t, domain.TaskMaxQueueTime, ""); err != nil {
					return domain.Task{}, false, err
				}
				e.logger().Printf("[queue] task %s exceeded max queue time", t.ID)
				continue
			}
		}
		if err := e.setStatus(ctx, tx, &t, domain.TaskRunning, ""); err != nil {
			return domain.Task{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Task{}, false, err
		}
		return t, true, nil
	}
}

// RunTask evaluates the request stored for a running task and records the
// outcome. Evaluation errors are retried until queue.max_retries.
func (e Engine) RunTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Status != domain.TaskRunning {
		return t, fmt.Errorf("task %s is %s, not running", t.ID, t.Status)
	}
	if t.RequestLogID == nil {
		return e.finish(ctx, t, domain.TaskError, nil, errors.New("task has no request log"))
	}
	rl, err := e.Repo.GetRequestLog(ctx, nil, *t.RequestLogID)
	if err != nil {
		return e.finish(ctx, t, domain.TaskError, nil, fmt.Errorf("request log %d: %w", *t.RequestLogID, err))
	}
	req, err := decodeRequest([]byte(rl.DataJSON))
	if err != nil {
		return e.finish(ctx, t, domain.TaskFailed, nil, err)
	}
	res, err := e.prefill(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return e.retry(context.WithoutCancel(ctx), t, ctx.Err())
		}
		var schemaErr prefill.SchemaMalformedError
		var reqErr RequestError
		if errors.As(err, &schemaErr) || errors.As(err, &reqErr) {
			return e.finish(ctx, t, domain.TaskFailed, nil, err)
		}
		return e.retry(ctx, t, err)
	}
	return e.finish(ctx, t, domain.TaskCompleted, res, nil)
}

func (e Engine) finish(ctx context.Context, t domain.Task, status string, res *prefill.Response, cause error) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if res != nil {
		if _, err := e.storeResponse(ctx, tx, *t.RequestLogID, res); err != nil {
			return t, err
		}
		t.Stdout = fmt.Sprintf("prefilled %d fields from %d layer results", len(res.Data[0]), len(res.LayerData))
	}
	if cause != nil {
		t.Stderr = cause.Error()
	}
	if err := e.setStatus(ctx, tx, &t, status, ""); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.logger().Printf("[queue] task %s %s", t.ID, status)
	return t, nil
}

// retry re-queues t after a failed run. A newer created task for the same
// proposal supersedes it.
func (e Engine) retry(ctx context.Context, t domain.Task, cause error) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.Retries++
	t.Stderr = cause.Error()
	status := domain.TaskCreated
	if t.Retries >= e.Config.Queue.MaxRetries {
		status = domain.TaskMaxRetries
	} else if _, err := e.Repo.TaskFor(ctx, tx, t.System, t.AppID, domain.TaskCreated); err == nil {
		status = domain.TaskCancelled
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	if err := e.setStatus(ctx, tx, &t, status, ""); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.logger().Printf("[queue] task %s failed (attempt %d): %v; now %s", t.ID, t.Retries, cause, status)
	return t, nil
}

// RunNext claims and runs the head of the queue. ok is false on an empty queue.
func (e Engine) RunNext(ctx context.Context) (domain.Task, bool, error) {
	t, ok, err := e.ClaimNext(ctx)
	if err != nil || !ok {
		return t, ok, err
	}
	t, err = e.RunTask(ctx, t)
	return t, true, err
}

func (e Engine) CancelTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskCreated {
		return t, QueueConflictError{System: t.System, AppID: t.AppID, Reason: "only created tasks can be cancelled, task is " + t.Status}
	}
	if err := e.setStatus(ctx, tx, &t, domain.TaskCancelled, actorID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

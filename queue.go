/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/escrow/config"
	redis_db "github.com/blnkfinance/escrow/internal/redis-db"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Scheduler defers work to the task queue.
type Scheduler interface {
	ScheduleAutoRelease(ctx context.Context, jobID uuid.UUID, at time.Time) error
	EnqueueReconcile(ctx context.Context, jobID uuid.UUID, after time.Duration) error
	EnqueueWebhook(ctx context.Context, hook NewWebhook) error
}

// JobTaskPayload identifies the job a queued task acts on.
type JobTaskPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// Queue is the asynq backed Scheduler.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
}

// RedisClientOpt converts the redis section into asynq connection options.
func RedisClientOpt(conf config.RedisConfig) (asynq.RedisClientOpt, error) {
	opts, err := redis_db.ParseRedisURL(conf.Dns, conf.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB, TLSConfig: opts.TLSConfig}, nil
}

func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisClientOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		conf:      conf.Queue,
	}, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

func (q *Queue) ScheduleAutoRelease(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	task, opts, err := autoReleaseTask(q.conf, jobID, at)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, opts)
}

func (q *Queue) EnqueueReconcile(ctx context.Context, jobID uuid.UUID, after time.Duration) error {
	task, opts, err := reconcileTask(q.conf, jobID, after)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, opts)
}

func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	task, opts, err := webhookTask(q.conf, hook)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, opts)
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, opts []asynq.Option) error {
	info, err := q.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"task": task.Type(), "queue": info.Queue, "id": info.ID}).Debug("task enqueued")
	return nil
}

func jobPayload(jobID uuid.UUID) ([]byte, error) {
	return json.Marshal(JobTaskPayload{JobID: jobID})
}

// autoReleaseTask is keyed by job and deadline so a later submission schedules a fresh task.
func autoReleaseTask(conf config.QueueConfig, jobID uuid.UUID, at time.Time) (*asynq.Task, []asynq.Option, error) {
	payload, err := jobPayload(jobID)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(conf.AutoReleaseQueue),
		asynq.TaskID(fmt.Sprintf("auto_release:%s:%d", jobID, at.Unix())),
		asynq.ProcessAt(at),
		asynq.MaxRetry(conf.MaxRetryAttempts),
	}
	return asynq.NewTask(conf.AutoReleaseQueue, payload), opts, nil
}

func reconcileTask(conf config.QueueConfig, jobID uuid.UUID, after time.Duration) (*asynq.Task, []asynq.Option, error) {
	payload, err := jobPayload(jobID)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(conf.ReconcileQueue),
		asynq.ProcessIn(after),
		asynq.MaxRetry(conf.MaxRetryAttempts),
		asynq.Unique(after + time.Minute),
	}
	return asynq.NewTask(conf.ReconcileQueue, payload), opts, nil
}

func webhookTask(conf config.QueueConfig, hook NewWebhook) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(hook)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.Queue(conf.WebhookQueue), asynq.MaxRetry(conf.MaxRetryAttempts)}
	return asynq.NewTask(conf.WebhookQueue, payload), opts, nil
}

// RegisterHandlers binds every queued task type to the orchestrator.
func (e *Escrow) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(e.conf.Queue.AutoReleaseQueue, e.processAutoRelease)
	mux.HandleFunc(e.conf.Queue.ReconcileQueue, e.processReconcile)
	mux.HandleFunc(e.conf.Queue.WebhookQueue, ProcessWebhook)
}

// QueuePriorities is the asynq server queue weighting.
func QueuePriorities(conf config.QueueConfig) map[string]int {
	return map[string]int{
		conf.AutoReleaseQueue: 5,
		conf.ReconcileQueue:   3,
		conf.WebhookQueue:     1,
	}
}

func decodeJobTask(task *asynq.Task) (uuid.UUID, error) {
	var p JobTaskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return p.JobID, nil
}

// processAutoRelease retries infrastructure errors and pending confirmations; a
// rejection is final since a later submission schedules its own task.
func (e *Escrow) processAutoRelease(ctx context.Context, task *asynq.Task) error {
	id, err := decodeJobTask(task)
	if err != nil {
		return err
	}
	out, err := e.AutoRelease(ctx, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"job_id": id.String(), "kind": out.Kind, "reason": out.Reason})
	if out.IsPending() {
		return fmt.Errorf("auto-release %s awaiting confirmation", out.TxRef)
	}
	log.Info("auto-release task processed")
	return nil
}

func (e *Escrow) processReconcile(ctx context.Context, task *asynq.Task) error {
	id, err := decodeJobTask(task)
	if err != nil {
		return err
	}
	res, err := e.ReconcileJob(ctx, id)
	if err != nil {
		return err
	}
	if res.Result == ReconcilePending {
		return fmt.Errorf("job %s still has an unconfirmed transaction", id)
	}
	return nil
}

func (e *Escrow) enqueueReconcile(job *model.Job, after time.Duration) {
	if e.scheduler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.scheduler.EnqueueReconcile(ctx, job.ID, after); err != nil {
		logrus.WithFields(jobFields(job, "enqueue_reconcile")).WithError(err).Warn("could not schedule reconciliation")
	}
}

func (e *Escrow) scheduleAutoRelease(ctx context.Context, job *model.Job) {
	if e.scheduler == nil || job.ApprovalDeadline == nil {
		return
	}
	if err := e.scheduler.ScheduleAutoRelease(ctx, job.ID, *job.ApprovalDeadline); err != nil {
		logrus.WithFields(jobFields(job, "schedule_auto_release")).WithError(err).
			Warn("could not schedule auto-release; the sweep will pick it up")
	}
}

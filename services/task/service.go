package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	taskqueue "safekey-licensing/pkg/task"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/license"
	"safekey-licensing/services/payment"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("safekey-licensing/services/task")

// Licenses runs the license sweeps.
type Licenses interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
	CheckLivenessAll(ctx context.Context) (int, error)
	NotifyExpiring(ctx context.Context, now time.Time) (int, error)
}

// Payments expires stale pending payments.
type Payments interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

type definition struct {
	name        string
	description string
}

var definitions = []definition{
	{taskname.LicenseExpireSweep, "Expire live licenses past their end date"},
	{taskname.LicenseLivenessCheck, "Suspend licenses that stopped sending heartbeats"},
	{taskname.LicenseExpiryNotify, "Warn tenants about licenses close to expiry"},
	{taskname.PaymentExpirePending, "Expire pending payments past their deadline"},
}

func known(name string) bool {
	for _, d := range definitions {
		if d.name == name {
			return true
		}
	}
	return false
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer taskqueue.Enqueuer
	licenses Licenses
	payments Payments
	timeout  time.Duration
	taskRepo repository.Repository[Task]
	jobRepo  repository.Repository[Job]
	now      func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Enqueuer taskqueue.Enqueuer
	Licenses *license.Service
	Payments *payment.Service
}

func NewService(p Params) *Service {
	return newService(p.DB, p.Node, p.Enqueuer, p.Licenses, p.Payments, p.Config.Licensing.SweepInterval)
}

func newService(db *gorm.DB, node *snowflake.Node, enqueuer taskqueue.Enqueuer, licenses Licenses, payments Payments, timeout time.Duration) *Service {
	return &Service{
		db:       db,
		node:     node,
		enqueuer: enqueuer,
		licenses: licenses,
		payments: payments,
		timeout:  timeout,
		taskRepo: repository.ProvideStore[Task](db),
		jobRepo:  repository.ProvideStore[Job](db),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureTasks registers the maintenance tasks. Existing rows, including
// their active flag, are left alone.
func (s *Service) EnsureTasks(ctx context.Context) error {
	now := s.now()
	for _, d := range definitions {
		t := &Task{
			ID:          s.node.Generate().String(),
			Name:        d.name,
			Description: d.description,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(t).Error
		if err != nil {
			return errutil.FromStorage("failed to register task "+d.name, err)
		}
	}
	return nil
}

type jobPayload struct {
	JobID string `json:"job_id"`
}

// Enqueue records a pending job for name and hands it to the maintenance queue.
func (s *Service) Enqueue(ctx context.Context, name string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "task.Enqueue")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	if !known(name) {
		return nil, errutil.NotFound("unknown task "+name, nil)
	}

	now := s.now()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskName:  name,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		zapLog.Error("failed to create job", zap.String("task", name), zap.Error(err))
		return nil, errutil.FromStorage("failed to create job", err)
	}

	opts := []asynq.Option{asynq.Queue(taskname.QueueMaintenance), asynq.MaxRetry(3)}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}
	if _, err := taskqueue.EnqueueJSON(s.enqueuer, name, jobPayload{JobID: job.ID}, opts...); err != nil {
		zapLog.Error("failed to enqueue job", zap.String("task", name), zap.String("job_id", job.ID), zap.Error(err))
		s.finish(ctx, job.ID, JobFailed, nil, err)
		return nil, errutil.StorageUnavailable("failed to enqueue job", err)
	}

	zapLog.Info("enqueued maintenance job", zap.String("task", name), zap.String("job_id", job.ID))
	return job, nil
}

// EnqueueAll enqueues every active task and returns how many were queued.
// A failing task does not stop the others.
func (s *Service) EnqueueAll(ctx context.Context) (int, error) {
	tasks, err := s.taskRepo.Find(ctx, &Task{IsActive: true}, option.WithSortBy(option.QuerySortBy{SortBy: "name", Allow: map[string]bool{"name": true}}))
	if err != nil {
		return 0, errutil.FromStorage("failed to list tasks", err)
	}

	queued := 0
	for _, t := range tasks {
		if _, err := s.Enqueue(ctx, t.Name); err != nil {
			continue
		}
		queued++
	}
	return queued, nil
}

// HandleTask is the asynq handler for every maintenance task.
func (s *Service) HandleTask(ctx context.Context, t *asynq.Task) error {
	var payload jobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logger.FromContext(ctx).Error("invalid job payload", zap.String("type", t.Type()), zap.Error(err))
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	_, err := s.Run(ctx, t.Type(), payload.JobID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run executes the task and records the outcome on the job. An empty jobID
// records a new job.
func (s *Service) Run(ctx context.Context, name, jobID string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "task.Run")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("task", name))

	if !known(name) {
		return nil, errutil.NotFound("unknown task "+name, nil)
	}

	started := s.now()
	if jobID == "" {
		jobID = s.node.Generate().String()
		if err := s.jobRepo.Create(ctx, &Job{
			ID:        jobID,
			TaskName:  name,
			Status:    JobRunning,
			StartedAt: &started,
			CreatedAt: started,
			UpdatedAt: started,
		}); err != nil {
			return nil, errutil.FromStorage("failed to create job", err)
		}
	} else if err := s.jobRepo.Update(ctx, jobID, map[string]any{
		"status":     JobRunning,
		"started_at": started,
		"error_msg":  "",
		"updated_at": started,
	}); err != nil {
		return nil, errutil.FromStorage("failed to start job", err)
	}

	counts, err := s.execute(ctx, name, started)
	if err != nil {
		zapLog.Error("maintenance job failed", zap.String("job_id", jobID), zap.Error(err))
		s.finish(ctx, jobID, JobFailed, nil, err)
		job, _ := s.GetJob(ctx, jobID)
		return job, err
	}

	zapLog.Info("maintenance job finished",
		zap.String("job_id", jobID),
		zap.Any("counts", counts),
		zap.Duration("duration", s.now().Sub(started)),
	)
	s.finish(ctx, jobID, JobSuccess, counts, nil)
	return s.GetJob(ctx, jobID)
}

func (s *Service) execute(ctx context.Context, name string, now time.Time) (map[string]any, error) {
	switch name {
	case taskname.LicenseExpireSweep:
		n, err := s.licenses.ExpireSweep(ctx, now)
		return map[string]any{"expired": n}, err
	case taskname.LicenseLivenessCheck:
		n, err := s.licenses.CheckLivenessAll(ctx)
		return map[string]any{"suspended": n}, err
	case taskname.LicenseExpiryNotify:
		n, err := s.licenses.NotifyExpiring(ctx, now)
		return map[string]any{"notified": n}, err
	case taskname.PaymentExpirePending:
		n, err := s.payments.ExpirePending(ctx, now)
		return map[string]any{"expired": n}, err
	default:
		return nil, errutil.NotFound("unknown task "+name, nil)
	}
}

func (s *Service) finish(ctx context.Context, jobID string, status JobStatus, counts map[string]any, cause error) {
	now := s.now()
	updates := map[string]any{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}
	if counts != nil {
		updates["metadata"] = datatypes.JSONMap(counts)
	}
	if cause != nil {
		updates["error_msg"] = cause.Error()
	}

	if err := s.jobRepo.Update(ctx, jobID, updates); err != nil {
		logger.FromContext(ctx).Error("failed to record job outcome",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.jobRepo.FindOne(ctx, &Job{ID: id})
	if err != nil {
		return nil, errutil.FromStorage("failed to get job", err)
	}
	if job == nil {
		return nil, errutil.NotFound("job not found", nil)
	}
	return job, nil
}

type ListJobsParams struct {
	TaskName string
	Status   JobStatus
	Page     pagination.Pagination
}

type ListJobsResult struct {
	Jobs []*Job              `json:"jobs"`
	Page *pagination.PageInfo `json:"page"`
}

func (s *Service) ListJobs(ctx context.Context, p ListJobsParams) (*ListJobsResult, error) {
	ctx, span := tracer.Start(ctx, "task.ListJobs")
	defer span.End()

	if p.Status != "" && p.Status.String() == "" {
		return nil, errutil.ValidationFailed("unknown job status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "unknown"}))
	}

	page := p.Page.Normalize()
	jobs, err := s.jobRepo.Find(ctx, &Job{TaskName: p.TaskName, Status: p.Status}, option.ApplyPagination(page))
	if err != nil {
		return nil, errutil.FromStorage("failed to list jobs", err)
	}

	jobs, info := pagination.BuildCursorPageInfo(jobs, page.Limit, func(m *Job) string { return m.ID })
	return &ListJobsResult{Jobs: jobs, Page: info}, nil
}

// Register routes every maintenance task to the service.
func Register(mux *asynq.ServeMux, s *Service) {
	for _, d := range definitions {
		mux.HandleFunc(d.name, s.HandleTask)
	}
}

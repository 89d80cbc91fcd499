package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/task/mocks"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)

type licensesStub struct {
	expireFn   func(ctx context.Context, now time.Time) (int, error)
	livenessFn func(ctx context.Context) (int, error)
	notifyFn   func(ctx context.Context, now time.Time) (int, error)
}

func (s licensesStub) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	return s.expireFn(ctx, now)
}

func (s licensesStub) CheckLivenessAll(ctx context.Context) (int, error) {
	return s.livenessFn(ctx)
}

func (s licensesStub) NotifyExpiring(ctx context.Context, now time.Time) (int, error) {
	return s.notifyFn(ctx, now)
}

type paymentsStub struct {
	expireFn func(ctx context.Context, now time.Time) (int64, error)
}

func (s paymentsStub) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	return s.expireFn(ctx, now)
}

func newTestService(t *testing.T, enqueuer *mocks.MockEnqueuer, licenses Licenses, payments Payments) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Task{}, &Job{})
	svc := newService(db, testutil.NewTestNode(t), enqueuer, licenses, payments, time.Minute)
	svc.now = testutil.FixedClock(testNow)
	return svc
}

func TestEnsureTasksKeepsExistingRows(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.EnsureTasks(ctx))
	require.NoError(t, svc.db.Model(&Task{}).Where("name = ?", taskname.PaymentExpirePending).Update("is_active", false).Error)
	require.NoError(t, svc.EnsureTasks(ctx))

	var tasks []Task
	require.NoError(t, svc.db.Order("name ASC").Find(&tasks).Error)
	require.Len(t, tasks, len(definitions))
	for _, task := range tasks {
		require.Equal(t, task.Name != taskname.PaymentExpirePending, task.IsActive, task.Name)
	}
}

func TestEnqueueAllSkipsInactiveTasks(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mocks.NewMockEnqueuer(ctrl)
	svc := newTestService(t, enqueuer, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.EnsureTasks(ctx))
	require.NoError(t, svc.db.Model(&Task{}).Where("name = ?", taskname.LicenseExpiryNotify).Update("is_active", false).Error)

	var types []string
	enqueuer.EXPECT().
		Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
			types = append(types, task.Type())

			var payload jobPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &payload))
			require.NotEmpty(t, payload.JobID)
			return &asynq.TaskInfo{ID: payload.JobID}, nil
		}).
		Times(3)

	queued, err := svc.EnqueueAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, queued)
	require.ElementsMatch(t, []string{taskname.LicenseExpireSweep, taskname.LicenseLivenessCheck, taskname.PaymentExpirePending}, types)

	jobs, err := svc.ListJobs(ctx, ListJobsParams{Status: JobPending})
	require.NoError(t, err)
	require.Len(t, jobs.Jobs, 3)
}

func TestEnqueueFailureMarksJobFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mocks.NewMockEnqueuer(ctrl)
	svc := newTestService(t, enqueuer, nil, nil)
	ctx := context.Background()

	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))

	_, err := svc.Enqueue(ctx, taskname.LicenseExpireSweep)
	require.True(t, errutil.Is(err, errutil.StatusStorageUnavailable))

	jobs, err := svc.ListJobs(ctx, ListJobsParams{Status: JobFailed})
	require.NoError(t, err)
	require.Len(t, jobs.Jobs, 1)
	require.Equal(t, "redis down", jobs.Jobs[0].ErrorMsg)

	_, err = svc.Enqueue(ctx, "unknown:task")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestRunRecordsOutcome(t *testing.T) {
	var sweptAt time.Time
	licenses := licensesStub{
		expireFn: func(_ context.Context, now time.Time) (int, error) {
			sweptAt = now
			return 4, nil
		},
		livenessFn: func(context.Context) (int, error) { return 0, errutil.StorageUnavailable("db down", nil) },
		notifyFn:   func(context.Context, time.Time) (int, error) { return 2, nil },
	}
	payments := paymentsStub{expireFn: func(context.Context, time.Time) (int64, error) { return 1, nil }}
	svc := newTestService(t, nil, licenses, payments)
	ctx := context.Background()

	job, err := svc.Run(ctx, taskname.LicenseExpireSweep, "")
	require.NoError(t, err)
	require.Equal(t, JobSuccess, job.Status)
	require.Equal(t, json.Number("4"), job.Metadata["expired"])
	require.NotNil(t, job.CompletedAt)
	require.True(t, testNow.Equal(sweptAt))

	job, err = svc.Run(ctx, taskname.PaymentExpirePending, "")
	require.NoError(t, err)
	require.Equal(t, json.Number("1"), job.Metadata["expired"])

	job, err = svc.Run(ctx, taskname.LicenseLivenessCheck, "")
	require.True(t, errutil.Is(err, errutil.StatusStorageUnavailable))
	require.Equal(t, JobFailed, job.Status)
	require.Contains(t, job.ErrorMsg, "db down")
}

func TestHandleTaskRunsQueuedJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mocks.NewMockEnqueuer(ctrl)
	licenses := licensesStub{
		notifyFn: func(context.Context, time.Time) (int, error) { return 7, nil },
	}
	svc := newTestService(t, enqueuer, licenses, nil)
	ctx := context.Background()

	var queued *asynq.Task
	enqueuer.EXPECT().
		Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
			queued = task
			return &asynq.TaskInfo{}, nil
		})

	pending, err := svc.Enqueue(ctx, taskname.LicenseExpiryNotify)
	require.NoError(t, err)

	mux := asynq.NewServeMux()
	Register(mux, svc)
	require.NoError(t, mux.ProcessTask(ctx, queued))

	job, err := svc.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, job.Status)
	require.Equal(t, json.Number("7"), job.Metadata["notified"])

	err = svc.HandleTask(ctx, asynq.NewTask(taskname.LicenseExpiryNotify, []byte("not json")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	err = svc.HandleTask(ctx, asynq.NewTask("unknown:task", []byte(`{}`)))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	_, err := svc.ListJobs(context.Background(), ListJobsParams{Status: "done"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

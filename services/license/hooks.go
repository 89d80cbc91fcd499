package license

import (
	"context"
	"time"

	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/task"
	"safekey-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Event is the payload of every license lifecycle task.
type Event struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	LicenseID   string    `json:"license_id"`
	LicenseCode string    `json:"license_code"`
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func newEvent(typ string, l *License, at time.Time) Event {
	return Event{
		Type:        typ,
		TenantID:    l.TenantID,
		LicenseID:   l.ID,
		LicenseCode: l.Code,
		UserID:      l.UserID,
		Status:      l.Status,
		ExpiresAt:   l.ExpiresAt,
		Reason:      l.RevocationReason,
		OccurredAt:  at,
	}
}

// Hooks are told about lifecycle transitions after they commit. They must not
// block and their failures never reach the caller.
type Hooks interface {
	OnLicenseActivated(ctx context.Context, e Event)
	OnLicenseSuspended(ctx context.Context, e Event)
	OnLicenseExpired(ctx context.Context, e Event)
	OnLicenseExpiring(ctx context.Context, e Event)
}

type nopHooks struct{}

func NopHooks() Hooks { return nopHooks{} }

func (nopHooks) OnLicenseActivated(context.Context, Event) {}
func (nopHooks) OnLicenseSuspended(context.Context, Event) {}
func (nopHooks) OnLicenseExpired(context.Context, Event)   {}
func (nopHooks) OnLicenseExpiring(context.Context, Event)  {}

// TaskHooks publishes events as asynq tasks on the notifications queue.
type TaskHooks struct {
	enqueuer task.Enqueuer
}

func NewTaskHooks(e task.Enqueuer) Hooks {
	return &TaskHooks{enqueuer: e}
}

func (h *TaskHooks) publish(ctx context.Context, e Event) {
	_, err := task.EnqueueJSON(h.enqueuer, e.Type, e,
		asynq.Queue(taskname.QueueNotifications),
		asynq.MaxRetry(5),
	)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to enqueue license event",
			zap.String("type", e.Type),
			zap.String("license_id", e.LicenseID),
			zap.Error(err),
		)
		return
	}

	logger.FromContext(ctx).Debug("license event enqueued", zap.String("type", e.Type), zap.String("license_id", e.LicenseID))
}

func (h *TaskHooks) OnLicenseActivated(ctx context.Context, e Event) { h.publish(ctx, e) }
func (h *TaskHooks) OnLicenseSuspended(ctx context.Context, e Event) { h.publish(ctx, e) }
func (h *TaskHooks) OnLicenseExpired(ctx context.Context, e Event)   { h.publish(ctx, e) }
func (h *TaskHooks) OnLicenseExpiring(ctx context.Context, e Event)  { h.publish(ctx, e) }

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/license"
	"safekey-licensing/services/tenant"

	"github.com/go-resty/resty/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("safekey-licensing/services/notification")

// HeaderEvent names the event type on webhook deliveries.
const HeaderEvent = "X-SafeKey-Event"

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "licensing_notifications_total",
	Help: "License event notifications by channel and result.",
}, []string{"channel", "result"})

type Service struct {
	tenants repository.Repository[tenant.Tenant]
	client  *resty.Client
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", p.Config.AppName).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})

	return newService(repository.ProvideStore[tenant.Tenant](p.DB), client)
}

func newService(tenants repository.Repository[tenant.Tenant], client *resty.Client) *Service {
	return &Service{tenants: tenants, client: client}
}

// Register routes every license event task to the service.
func Register(mux *asynq.ServeMux, s *Service) {
	for _, typ := range []string{
		taskname.LicenseActivated,
		taskname.LicenseSuspended,
		taskname.LicenseExpired,
		taskname.LicenseExpiring,
	} {
		mux.HandleFunc(typ, s.HandleTask)
	}
}

// HandleTask decodes the event and delivers it. Malformed payloads are not
// retried.
func (s *Service) HandleTask(ctx context.Context, t *asynq.Task) error {
	var e license.Event
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		logger.FromContext(ctx).Error("invalid license event payload", zap.String("type", t.Type()), zap.Error(err))
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if e.Type == "" {
		e.Type = t.Type()
	}
	return s.Deliver(ctx, e)
}

// Deliver sends e over every channel the tenant enabled and subscribed to.
// Only webhook failures are returned, so the task is retried.
func (s *Service) Deliver(ctx context.Context, e license.Event) error {
	ctx, span := tracer.Start(ctx, "notification.Deliver")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(
		zap.String("tenant_id", e.TenantID),
		zap.String("license_id", e.LicenseID),
		zap.String("event", e.Type),
	)

	t, err := s.tenants.FindOne(ctx, &tenant.Tenant{ID: e.TenantID})
	if err != nil {
		zapLog.Error("failed to load tenant for notification", zap.Error(err))
		return errutil.FromStorage("failed to load tenant", err)
	}
	if t == nil {
		zapLog.Warn("tenant not found, dropping notification")
		return nil
	}

	settings := t.Notifications.Data()
	if !settings.Subscribed(e.Type) {
		zapLog.Debug("tenant not subscribed to event")
		return nil
	}

	if settings.EmailNotifications {
		deliveriesTotal.WithLabelValues("email", "logged").Inc()
		zapLog.Info("email notification", zap.Strings("recipients", settings.NotificationEmails))
	}
	if settings.SmsNotifications {
		deliveriesTotal.WithLabelValues("sms", "logged").Inc()
		zapLog.Info("sms notification")
	}

	if !settings.WebhookNotifications || settings.WebhookURL == "" {
		return nil
	}

	if err := s.postWebhook(ctx, settings.WebhookURL, e); err != nil {
		deliveriesTotal.WithLabelValues("webhook", "failed").Inc()
		zapLog.Warn("webhook delivery failed", zap.String("url", settings.WebhookURL), zap.Error(err))
		return err
	}

	deliveriesTotal.WithLabelValues("webhook", "ok").Inc()
	zapLog.Info("webhook delivered", zap.String("url", settings.WebhookURL))
	return nil
}

func (s *Service) postWebhook(ctx context.Context, url string, e license.Event) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderEvent, e.Type).
		SetBody(e).
		Post(url)
	if err != nil {
		return errutil.BadGateway("webhook request failed", err)
	}
	if resp.IsError() {
		return errutil.BadGateway(fmt.Sprintf("webhook returned %d", resp.StatusCode()), nil)
	}
	return nil
}

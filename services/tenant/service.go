package tenant

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/jsonfield"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	"safekey-licensing/services/audit"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("safekey-licensing/services/tenant")

// UsageCounter adds the resources a package owns to a tenant's usage. Counts
// run on tx so callers holding the tenant lock see a consistent snapshot.
type UsageCounter interface {
	CountUsage(ctx context.Context, tx *gorm.DB, tenantID string, usage *Usage) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	config   *config.Config
	repo     repository.Repository[Tenant]
	counters []UsageCounter
	audit    audit.Recorder
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Counters []UsageCounter `group:"tenant.usage"`
	Audit    audit.Recorder `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	if p.Audit == nil {
		p.Audit = audit.NopRecorder()
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		config:   p.Config,
		repo:     repository.ProvideStore[Tenant](p.DB),
		counters: p.Counters,
		audit:    p.Audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateTenantParams struct {
	Name             string
	Slug             string
	Description      string
	Plan             Plan
	ContactEmail     string
	Website          string
	LogoURL          string
	StripeCustomerID string
	PaypalEmail      string
	Settings         *Settings
	Branding         *Branding
	Notifications    *NotificationSettings
	ExpiresAt        *time.Time
}

func (s *Service) CreateTenant(ctx context.Context, p CreateTenantParams) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "tenant.CreateTenant")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errutil.ValidationFailed("tenant name is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}

	if p.Plan == "" {
		p.Plan = PlanFree
	}
	if !p.Plan.Valid() {
		return nil, errutil.ValidationFailed("unknown plan", nil,
			errutil.WithDetails(errutil.Detail{Field: "plan", Message: string(p.Plan)}))
	}

	slugName := p.Slug
	if slugName == "" {
		slugName = slug.Make(name)
	}

	exist, err := s.repo.FindOne(ctx, &Tenant{Slug: slugName})
	if err != nil {
		zapLog.Error("failed query get tenant by slug", zap.Error(err))
		return nil, errutil.FromStorage("failed to check existing tenant", err)
	}

	if exist != nil {
		zapLog.Warn("tenant already exists", zap.String("slug", slugName))
		return nil, errutil.Conflict("tenant already exists", nil)
	}

	settings := DefaultSettings()
	if p.Settings != nil {
		settings = *p.Settings
	}
	if settings.HeartbeatIntervalMinutes <= 0 {
		settings.HeartbeatIntervalMinutes = s.config.Licensing.DefaultHeartbeatIntervalMinutes
	}

	notifications := DefaultNotificationSettings()
	if p.Notifications != nil {
		notifications = *p.Notifications
	}

	var branding Branding
	if p.Branding != nil {
		branding = *p.Branding
	}

	now := s.now()
	tenant := &Tenant{
		ID:               s.node.Generate().String(),
		CreatedAt:        now,
		UpdatedAt:        now,
		Name:             name,
		Slug:             slugName,
		Description:      p.Description,
		ContactEmail:     p.ContactEmail,
		Website:          p.Website,
		LogoURL:          p.LogoURL,
		Plan:             p.Plan,
		Active:           true,
		StripeCustomerID: p.StripeCustomerID,
		PaypalEmail:      p.PaypalEmail,
		Settings:         datatypes.NewJSONType(settings),
		Branding:         datatypes.NewJSONType(branding),
		Notifications:    datatypes.NewJSONType(notifications),
		ExpiresAt:        p.ExpiresAt,
	}
	tenant.ApplyLimits(s.config.Limits(string(p.Plan)))

	if err := s.repo.Create(ctx, tenant); err != nil {
		zapLog.Error("failed to create tenant", zap.Error(err))
		return nil, errutil.FromStorage("failed to create tenant", err)
	}

	zapLog.Info("tenant created", zap.String("tenant_id", tenant.ID), zap.String("plan", string(tenant.Plan)))
	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "Tenant created",
		TenantID: tenant.ID,
		Metadata: map[string]any{"slug": tenant.Slug, "plan": string(tenant.Plan)},
	})
	return tenant, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "tenant.GetTenant")
	defer span.End()

	tenant, err := s.repo.FindOne(ctx, &Tenant{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get tenant by id", zap.Error(err))
		return nil, errutil.FromStorage("failed to get tenant", err)
	}

	if tenant == nil {
		return nil, errutil.NotFound("tenant not found", nil)
	}

	return tenant, nil
}

type ListTenantsResult struct {
	Tenants []*Tenant            `json:"tenants"`
	Page    *pagination.PageInfo `json:"page"`
}

func (s *Service) ListTenants(ctx context.Context, page pagination.Pagination) (*ListTenantsResult, error) {
	ctx, span := tracer.Start(ctx, "tenant.ListTenants")
	defer span.End()

	page = page.Normalize()
	tenants, err := s.repo.Find(ctx, &Tenant{}, option.ApplyPagination(page))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list tenants", zap.Error(err))
		return nil, errutil.FromStorage("failed to list tenants", err)
	}

	tenants, info := pagination.BuildCursorPageInfo(tenants, page.Limit, func(t *Tenant) string { return t.ID })
	return &ListTenantsResult{Tenants: tenants, Page: info}, nil
}

// SettingsPatch carries partial documents. Provided keys overwrite, missing
// keys keep their stored value.
type SettingsPatch struct {
	Settings      json.RawMessage
	Branding      json.RawMessage
	Notifications json.RawMessage
}

// UpdateSettings applies patch under the tenant row lock so concurrent patches
// to different keys do not drop each other.
func (s *Service) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "tenant.UpdateSettings")
	defer span.End()

	if len(patch.Settings) == 0 && len(patch.Branding) == 0 && len(patch.Notifications) == 0 {
		return s.GetTenant(ctx, id)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := Lock(ctx, tx, id)
		if err != nil {
			return err
		}

		updates, err := settingsUpdates(tenant, patch)
		if err != nil {
			return err
		}

		updates["updated_at"] = s.now()
		return s.repo.WithTrx(tx).Update(ctx, id, updates)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to update tenant settings", zap.String("tenant_id", id), zap.Error(err))
		return nil, errutil.FromStorage("failed to update tenant settings", err)
	}

	return s.GetTenant(ctx, id)
}

func settingsUpdates(tenant *Tenant, patch SettingsPatch) (map[string]any, error) {
	updates := map[string]any{}

	if len(patch.Settings) > 0 {
		settings := tenant.Settings.Data()
		if err := mergeDocument(patch.Settings, &settings); err != nil {
			return nil, err
		}
		if settings.HeartbeatIntervalMinutes <= 0 {
			return nil, errutil.ValidationFailed("heartbeat interval must be positive", nil,
				errutil.WithDetails(errutil.Detail{Field: "settings.heartbeat_interval_minutes", Message: "must be > 0"}))
		}
		updates["settings"] = datatypes.NewJSONType(settings)
	}

	if len(patch.Branding) > 0 {
		branding := tenant.Branding.Data()
		if err := mergeDocument(patch.Branding, &branding); err != nil {
			return nil, err
		}
		updates["branding"] = datatypes.NewJSONType(branding)
	}

	if len(patch.Notifications) > 0 {
		notifications := tenant.Notifications.Data()
		if err := mergeDocument(patch.Notifications, &notifications); err != nil {
			return nil, err
		}
		if notifications.WebhookNotifications && notifications.WebhookURL == "" {
			return nil, errutil.ValidationFailed("webhook url is required when webhooks are enabled", nil,
				errutil.WithDetails(errutil.Detail{Field: "notification_settings.webhook_url", Message: "required"}))
		}
		updates["notification_settings"] = datatypes.NewJSONType(notifications)
	}

	return updates, nil
}

// mergeDocument overlays raw onto doc. Absent keys keep their stored value at
// every depth.
func mergeDocument[T any](raw json.RawMessage, doc *T) error {
	if err := jsonfield.Apply(doc, raw); err != nil {
		return errutil.ValidationFailed("malformed document", err)
	}
	return nil
}

// ChangePlan moves the tenant to plan after checking that current usage fits
// the new caps. The tenant row stays locked while counting.
func (s *Service) ChangePlan(ctx context.Context, id string, plan Plan) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "tenant.ChangePlan")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	if !plan.Valid() {
		return nil, errutil.ValidationFailed("unknown plan", nil,
			errutil.WithDetails(errutil.Detail{Field: "plan", Message: string(plan)}))
	}

	limits := s.config.Limits(string(plan))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := Lock(ctx, tx, id)
		if err != nil {
			return err
		}

		usage, err := s.usage(ctx, tx, tenant.ID)
		if err != nil {
			return err
		}

		if over := usage.Exceeds(limits); len(over) > 0 {
			details := make([]errutil.Detail, 0, len(over))
			for _, f := range over {
				details = append(details, errutil.Detail{Field: f, Message: "current usage exceeds the new plan"})
			}
			return errutil.LimitExceeded("current usage exceeds plan limits", nil, errutil.WithDetails(details...))
		}

		return s.repo.WithTrx(tx).Update(ctx, tenant.ID, map[string]any{
			"plan":              plan,
			"max_licenses":      limits.MaxLicenses,
			"max_users":         limits.MaxUsers,
			"max_softwares":     limits.MaxSoftwares,
			"max_license_types": limits.MaxLicenseTypes,
			"updated_at":        s.now(),
		})
	})
	if err != nil {
		zapLog.Warn("failed to change tenant plan", zap.String("tenant_id", id), zap.String("plan", string(plan)), zap.Error(err))
		return nil, errutil.FromStorage("failed to change plan", err)
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "Tenant plan changed",
		TenantID: id,
		Metadata: map[string]any{"plan": string(plan)},
	})
	return s.GetTenant(ctx, id)
}

// Deactivate soft-deletes the tenant. Existing licenses are untouched.
func (s *Service) Deactivate(ctx context.Context, id string) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "tenant.Deactivate")
	defer span.End()

	tenant, err := s.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	if !tenant.Active {
		return tenant, nil
	}

	if err := s.repo.Update(ctx, id, map[string]any{"active": false, "updated_at": s.now()}); err != nil {
		return nil, errutil.FromStorage("failed to deactivate tenant", err)
	}

	logger.FromContext(ctx).Info("tenant deactivated", zap.String("tenant_id", id))
	s.audit.Append(ctx, audit.Entry{Level: audit.LevelWarn, Message: "Tenant deactivated", TenantID: id})
	return s.GetTenant(ctx, id)
}

func (s *Service) Usage(ctx context.Context, id string) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "tenant.Usage")
	defer span.End()

	if _, err := s.GetTenant(ctx, id); err != nil {
		return nil, err
	}

	usage, err := s.usage(ctx, s.db.WithContext(ctx), id)
	if err != nil {
		return nil, errutil.FromStorage("failed to count tenant usage", err)
	}
	return &usage, nil
}

func (s *Service) usage(ctx context.Context, tx *gorm.DB, tenantID string) (Usage, error) {
	var usage Usage
	for _, c := range s.counters {
		if err := c.CountUsage(ctx, tx, tenantID, &usage); err != nil {
			return Usage{}, err
		}
	}
	return usage, nil
}

// Lock loads the tenant inside tx with a row lock. Catalog and license writes
// that check a cap take this lock first so cap checks per tenant serialize.
func Lock(ctx context.Context, tx *gorm.DB, tenantID string) (*Tenant, error) {
	tenant, err := repository.ProvideStore[Tenant](tx).FindOne(ctx, &Tenant{ID: tenantID}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.FromStorage("failed to lock tenant", err)
	}
	if tenant == nil {
		return nil, errutil.NotFound("tenant not found", nil)
	}
	return tenant, nil
}

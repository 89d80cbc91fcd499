package license

import (
	"context"
	"strings"
	"time"

	"safekey-licensing/pkg/celengine"
	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/featureflags"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	"safekey-licensing/pkg/sequence"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/audit"
	"safekey-licensing/services/catalog"
	"safekey-licensing/services/payment"
	"safekey-licensing/services/tenant"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("safekey-licensing/services/license")

// LicenseTypes resolves license types inside the engine's transaction.
type LicenseTypes interface {
	LicenseTypeInTx(ctx context.Context, tx *gorm.DB, id string) (*catalog.LicenseType, error)
}

// Payments settles the charge for an approval or renewal.
type Payments interface {
	Consume(ctx context.Context, tx *gorm.DB, p payment.ConsumeParams) error
}

type Service struct {
	db            *gorm.DB
	node          *snowflake.Node
	cfg           config.Licensing
	retry         retryPolicy
	codes         sequence.Generator
	types         LicenseTypes
	payments      Payments
	flags         featureflags.FeatureFlag
	hooks         Hooks
	audit         audit.Recorder
	offline       *offlineSigner
	requestRepo   repository.Repository[Request]
	licenseRepo   repository.Repository[License]
	heartbeatRepo repository.Repository[Heartbeat]
	now           func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Codes    sequence.Generator
	Catalog  *catalog.Service
	Payments *payment.Service
	Flags    featureflags.FeatureFlag `optional:"true"`
	Hooks    Hooks                    `optional:"true"`
	Audit    audit.Recorder           `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	return newService(p.DB, p.Node, p.Config.Licensing, p.Codes, p.Catalog, p.Payments, p.Flags, p.Hooks, p.Audit)
}

func newService(
	db *gorm.DB,
	node *snowflake.Node,
	cfg config.Licensing,
	codes sequence.Generator,
	types LicenseTypes,
	payments Payments,
	flags featureflags.FeatureFlag,
	hooks Hooks,
	recorder audit.Recorder,
) (*Service, error) {
	offline, err := newOfflineSigner(cfg.OfflineTokenSeed)
	if err != nil {
		zap.L().Error("failed to init offline token signer", zap.Error(err))
		return nil, err
	}

	if hooks == nil {
		hooks = NopHooks()
	}
	if recorder == nil {
		recorder = audit.NopRecorder()
	}

	return &Service{
		db:            db,
		node:          node,
		cfg:           cfg,
		retry:         newRetryPolicy(cfg),
		codes:         codes,
		types:         types,
		payments:      payments,
		flags:         flags,
		hooks:         hooks,
		audit:         recorder,
		offline:       offline,
		requestRepo:   repository.ProvideStore[Request](db),
		licenseRepo:   repository.ProvideStore[License](db),
		heartbeatRepo: repository.ProvideStore[Heartbeat](db),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// checkCaps enforces the license and user caps of t. It must run with the
// tenant row locked.
func (s *Service) checkCaps(ctx context.Context, tx *gorm.DB, t *tenant.Tenant, userID string) error {
	live, err := countLiveLicenses(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if live >= t.MaxLicenses {
		return errutil.LimitExceeded("license limit reached for tenant plan", nil,
			errutil.WithDetails(errutil.Detail{Field: "max_licenses", Message: "limit reached"}))
	}

	held, err := repository.ProvideStore[License](tx).Count(ctx, &License{TenantID: t.ID, UserID: userID}, liveStatuses)
	if err != nil {
		return err
	}
	if held > 0 {
		return nil
	}

	users, err := countLiveUsers(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if users >= t.MaxUsers {
		return errutil.LimitExceeded("user limit reached for tenant plan", nil,
			errutil.WithDetails(errutil.Detail{Field: "max_users", Message: "limit reached"}))
	}
	return nil
}

func liveStatuses(db *gorm.DB) *gorm.DB {
	return db.Where("status IN (?)", []Status{StatusActive, StatusSuspended})
}

func countLiveLicenses(ctx context.Context, tx *gorm.DB, tenantID string) (int64, error) {
	return repository.ProvideStore[License](tx).Count(ctx, &License{TenantID: tenantID}, liveStatuses)
}

func countLiveUsers(ctx context.Context, tx *gorm.DB, tenantID string) (int64, error) {
	var users int64
	err := tx.WithContext(ctx).Model(&License{}).
		Scopes(liveStatuses).
		Where("tenant_id = ?", tenantID).
		Distinct("user_id").
		Count(&users).Error
	return users, err
}

type SubmitRequestParams struct {
	TenantID      string
	UserID        string
	LicenseTypeID string
	Attributes    map[string]any
}

// SubmitRequest files a pending request for a license type of the tenant.
func (s *Service) SubmitRequest(ctx context.Context, p SubmitRequestParams) (*Request, error) {
	ctx, span := tracer.Start(ctx, "license.SubmitRequest")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	var details []errutil.Detail
	if strings.TrimSpace(p.UserID) == "" {
		details = append(details, errutil.Detail{Field: "user_id", Message: "required"})
	}
	if p.LicenseTypeID == "" {
		details = append(details, errutil.Detail{Field: "license_type_id", Message: "required"})
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid license request", nil, errutil.WithDetails(details...))
	}

	code, err := s.codes.NextRequestCode(ctx, p.TenantID)
	if err != nil {
		zapLog.Error("failed to generate request code", zap.Error(err))
		return nil, errutil.StorageUnavailable("failed to generate request code", err)
	}

	var request *Request
	err = s.retry.run(ctx, "submit_request", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := tenant.Lock(ctx, tx, p.TenantID)
			if err != nil {
				return err
			}
			now := s.now()
			if !t.Usable(now) {
				return errutil.ValidationFailed("tenant is inactive", nil,
					errutil.WithDetails(errutil.Detail{Field: "tenant_id", Message: "inactive"}))
			}

			lt, err := s.types.LicenseTypeInTx(ctx, tx, p.LicenseTypeID)
			if err != nil {
				return err
			}
			if lt.TenantID != t.ID || !lt.Active {
				return errutil.NotFound("license type not found", nil)
			}

			if err := s.checkCaps(ctx, tx, t, p.UserID); err != nil {
				return err
			}

			if err := checkEligibility(lt, t, p); err != nil {
				return err
			}

			request = &Request{
				ID:            s.node.Generate().String(),
				CreatedAt:     now,
				UpdatedAt:     now,
				TenantID:      t.ID,
				Code:          code,
				UserID:        p.UserID,
				LicenseTypeID: lt.ID,
				Status:        RequestPending,
				Attributes:    datatypes.JSONMap(p.Attributes),
				Version:       1,
			}
			return s.requestRepo.WithTrx(tx).Create(ctx, request)
		})
	})
	if err != nil {
		zapLog.Warn("failed to submit license request",
			zap.String("tenant_id", p.TenantID),
			zap.String("license_type_id", p.LicenseTypeID),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License request submitted",
		TenantID: request.TenantID,
		Actor:    audit.Actor{UserID: request.UserID},
		Metadata: map[string]any{"request_id": request.ID, "code": request.Code, "license_type_id": request.LicenseTypeID},
	})
	return request, nil
}

func checkEligibility(lt *catalog.LicenseType, t *tenant.Tenant, p SubmitRequestParams) error {
	if lt.Eligibility == "" {
		return nil
	}

	attributes := p.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}

	ok, err := celengine.Evaluate(lt.Eligibility, map[string]any{
		celengine.VarUserID:     p.UserID,
		celengine.VarTenantPlan: string(t.Plan),
		celengine.VarAttributes: attributes,
	})
	if err != nil {
		return errutil.ValidationFailed("eligibility could not be evaluated", err,
			errutil.WithDetails(errutil.Detail{Field: "attributes", Message: err.Error()}))
	}
	if !ok {
		return errutil.ValidationFailed("user is not eligible for this license type", nil,
			errutil.WithDetails(errutil.Detail{Field: "eligibility", Message: "not satisfied"}))
	}
	return nil
}

// ApproveRequest issues the license for a pending request. When the license
// type has a price, paymentID must name a completed payment of the tenant
// that has not paid for anything else.
func (s *Service) ApproveRequest(ctx context.Context, requestID, paymentID string) (*Activation, error) {
	ctx, span := tracer.Start(ctx, "license.ApproveRequest")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	pending, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	code, err := s.codes.NextLicenseCode(ctx, pending.TenantID)
	if err != nil {
		zapLog.Error("failed to generate license code", zap.Error(err))
		return nil, errutil.StorageUnavailable("failed to generate license code", err)
	}

	licenseID := s.node.Generate().String()
	key, err := newAPIKey(licenseID)
	if err != nil {
		zapLog.Error("failed to generate api key", zap.Error(err))
		return nil, errutil.Internal("failed to generate api key", err)
	}

	extraFeatures := s.flagFeatures(ctx, pending.TenantID)

	var issued *License
	err = s.retry.run(ctx, "approve_request", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			request, err := s.loadRequest(ctx, tx, requestID)
			if err != nil {
				return err
			}
			if request.Status != RequestPending {
				return errutil.UnprocessableEntity("request is "+string(request.Status), nil,
					errutil.WithDetails(errutil.Detail{Field: "status", Message: string(request.Status)}))
			}

			t, err := tenant.Lock(ctx, tx, request.TenantID)
			if err != nil {
				return err
			}
			now := s.now()
			if !t.Usable(now) {
				return errutil.ValidationFailed("tenant is inactive", nil,
					errutil.WithDetails(errutil.Detail{Field: "tenant_id", Message: "inactive"}))
			}

			lt, err := s.types.LicenseTypeInTx(ctx, tx, request.LicenseTypeID)
			if err != nil {
				return err
			}

			if err := s.checkCaps(ctx, tx, t, request.UserID); err != nil {
				return err
			}

			if lt.RequiresPayment() {
				if err := s.payments.Consume(ctx, tx, payment.ConsumeParams{
					PaymentID: paymentID,
					TenantID:  t.ID,
					RequestID: request.ID,
					LicenseID: licenseID,
					MinAmount: lt.Price,
				}); err != nil {
					return err
				}
			}

			affected, err := repository.CompareAndUpdate[Request](ctx, tx, request.ID, request.Version, map[string]any{
				"status":     RequestApproved,
				"payment_id": paymentID,
				"updated_at": now,
			}, option.ApplyOperator(option.Condition{Field: "status", Value: RequestPending}))
			if err != nil {
				return err
			}
			if affected == 0 {
				return errutil.Conflict("request was modified concurrently", nil)
			}

			issued = s.newLicense(licenseID, code, key, request, lt, t, extraFeatures, now)
			return s.licenseRepo.WithTrx(tx).Create(ctx, issued)
		})
	})
	if err != nil {
		zapLog.Warn("failed to approve license request", zap.String("request_id", requestID), zap.Error(err))
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	s.hooks.OnLicenseActivated(ctx, newEvent(taskname.LicenseActivated, issued, s.now()))
	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License activated",
		TenantID: issued.TenantID,
		Actor:    audit.Actor{UserID: issued.UserID},
		Metadata: map[string]any{"license_id": issued.ID, "code": issued.Code, "request_id": requestID, "payment_id": paymentID},
	})

	return &Activation{License: issued, APIKey: key.plain}, nil
}

func (s *Service) newLicense(id, code string, key apiKey, r *Request, lt *catalog.LicenseType, t *tenant.Tenant, extra []string, now time.Time) *License {
	configuration := lt.DefaultConfiguration.Data()
	if configuration.HeartbeatIntervalMinutes <= 0 {
		configuration.HeartbeatIntervalMinutes = t.Settings.Data().HeartbeatIntervalMinutes
	}
	if configuration.HeartbeatIntervalMinutes <= 0 {
		configuration.HeartbeatIntervalMinutes = s.cfg.DefaultHeartbeatIntervalMinutes
	}

	features := append([]string{}, lt.Features...)
	for _, f := range extra {
		if !containsString(features, f) {
			features = append(features, f)
		}
	}

	return &License{
		ID:              id,
		CreatedAt:       now,
		UpdatedAt:       now,
		TenantID:        t.ID,
		Code:            code,
		RequestID:       r.ID,
		LicenseTypeID:   lt.ID,
		UserID:          r.UserID,
		APIKeyPrefix:    key.prefix,
		APIKeyHash:      key.hash,
		HardwareDetails: datatypes.NewJSONType(HardwareDetails{}),
		StartsAt:        now,
		ExpiresAt:       now.Add(lt.Duration()),
		Status:          StatusActive,
		AllowedIPs:      datatypes.NewJSONSlice([]string{}),
		Features:        datatypes.NewJSONSlice(features),
		Configuration:   datatypes.NewJSONType(configuration),
		Version:         1,
	}
}

// flagFeatures lists the Flagsmith features enabled for the tenant identity.
// Flag lookups never fail an approval.
func (s *Service) flagFeatures(ctx context.Context, tenantID string) []string {
	if s.flags == nil || !s.flags.Enabled() {
		return nil
	}

	names, err := s.flags.EnabledFeatures(ctx, tenantID)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to load feature flags", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, "feature_"+name)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Service) RejectRequest(ctx context.Context, requestID, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "license.RejectRequest")
	defer span.End()

	return s.closeRequest(ctx, requestID, RequestRejected, reason)
}

func (s *Service) CancelRequest(ctx context.Context, requestID string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "license.CancelRequest")
	defer span.End()

	return s.closeRequest(ctx, requestID, RequestCancelled, "")
}

// closeRequest moves a pending request to a terminal status.
func (s *Service) closeRequest(ctx context.Context, requestID string, to RequestStatus, reason string) (*Request, error) {
	var closed *Request
	err := s.retry.run(ctx, "close_request", func(ctx context.Context) error {
		request, err := s.loadRequest(ctx, s.db, requestID)
		if err != nil {
			return err
		}
		if request.Status != RequestPending {
			return errutil.UnprocessableEntity("request is "+string(request.Status), nil,
				errutil.WithDetails(errutil.Detail{Field: "status", Message: string(request.Status)}))
		}

		updates := map[string]any{"status": to, "updated_at": s.now()}
		if reason != "" {
			updates["reason"] = reason
		}
		affected, err := repository.CompareAndUpdate[Request](ctx, s.db, request.ID, request.Version, updates,
			option.ApplyOperator(option.Condition{Field: "status", Value: RequestPending}))
		if err != nil {
			return err
		}
		if affected == 0 {
			return errutil.Conflict("request was modified concurrently", nil)
		}

		closed, err = s.loadRequest(ctx, s.db, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License request " + string(to),
		TenantID: closed.TenantID,
		Metadata: map[string]any{"request_id": closed.ID, "reason": reason},
	})
	return closed, nil
}

func (s *Service) GetRequest(ctx context.Context, id string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "license.GetRequest")
	defer span.End()

	return s.loadRequest(ctx, s.db, id)
}

func (s *Service) loadRequest(ctx context.Context, db *gorm.DB, id string) (*Request, error) {
	request, err := s.requestRepo.WithTrx(db).FindOne(ctx, &Request{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get license request", zap.Error(err))
		return nil, errutil.FromStorage("failed to get license request", err)
	}
	if request == nil {
		return nil, errutil.NotFound("license request not found", nil)
	}
	return request, nil
}

func (s *Service) GetLicense(ctx context.Context, id string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.GetLicense")
	defer span.End()

	return s.loadLicense(ctx, s.db, id)
}

func (s *Service) loadLicense(ctx context.Context, db *gorm.DB, id string) (*License, error) {
	license, err := s.licenseRepo.WithTrx(db).FindOne(ctx, &License{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get license", zap.Error(err))
		return nil, errutil.FromStorage("failed to get license", err)
	}
	if license == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	return license, nil
}

type ListRequestsParams struct {
	TenantID string
	Status   RequestStatus
	Page     pagination.Pagination
}

type ListRequestsResult struct {
	Requests []*Request          `json:"requests"`
	Page     *pagination.PageInfo `json:"page"`
}

func (s *Service) ListRequests(ctx context.Context, p ListRequestsParams) (*ListRequestsResult, error) {
	ctx, span := tracer.Start(ctx, "license.ListRequests")
	defer span.End()

	if p.Status != "" && p.Status.String() == "" {
		return nil, errutil.ValidationFailed("unknown request status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "unknown"}))
	}

	page := p.Page.Normalize()
	requests, err := s.requestRepo.Find(ctx, &Request{TenantID: p.TenantID, Status: p.Status}, option.ApplyPagination(page))
	if err != nil {
		return nil, errutil.FromStorage("failed to list license requests", err)
	}

	requests, info := pagination.BuildCursorPageInfo(requests, page.Limit, func(m *Request) string { return m.ID })
	return &ListRequestsResult{Requests: requests, Page: info}, nil
}

type ListLicensesParams struct {
	TenantID string
	Status   Status
	Page     pagination.Pagination
}

type ListLicensesResult struct {
	Licenses []*License          `json:"licenses"`
	Page     *pagination.PageInfo `json:"page"`
}

func (s *Service) ListLicenses(ctx context.Context, p ListLicensesParams) (*ListLicensesResult, error) {
	ctx, span := tracer.Start(ctx, "license.ListLicenses")
	defer span.End()

	if p.Status != "" && p.Status.String() == "" {
		return nil, errutil.ValidationFailed("unknown license status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "unknown"}))
	}

	page := p.Page.Normalize()
	licenses, err := s.licenseRepo.Find(ctx, &License{TenantID: p.TenantID, Status: p.Status}, option.ApplyPagination(page))
	if err != nil {
		return nil, errutil.FromStorage("failed to list licenses", err)
	}

	licenses, info := pagination.BuildCursorPageInfo(licenses, page.Limit, func(m *License) string { return m.ID })
	return &ListLicensesResult{Licenses: licenses, Page: info}, nil
}

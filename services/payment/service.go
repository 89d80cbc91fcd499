package payment

import (
	"context"
	"regexp"
	"strings"
	"time"

	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	"safekey-licensing/pkg/sequence"
	"safekey-licensing/services/audit"
	"safekey-licensing/services/tenant"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("safekey-licensing/services/payment")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	codes      sequence.Generator
	repo       repository.Repository[Payment]
	tenantRepo repository.Repository[tenant.Tenant]
	audit      audit.Recorder
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Codes sequence.Generator
	Audit audit.Recorder `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	if p.Audit == nil {
		p.Audit = audit.NopRecorder()
	}

	return &Service{
		db:         p.DB,
		node:       p.Node,
		codes:      p.Codes,
		repo:       repository.ProvideStore[Payment](p.DB),
		tenantRepo: repository.ProvideStore[tenant.Tenant](p.DB),
		audit:      p.Audit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type CreatePaymentParams struct {
	TenantID          string
	UserID            string
	Amount            decimal.Decimal
	Currency          string
	Method            string
	Concept           string
	ExternalReference string
	ExpiresAt         *time.Time
	Metadata          map[string]any
}

func (p CreatePaymentParams) validate() error {
	var details []errutil.Detail
	if p.TenantID == "" {
		details = append(details, errutil.Detail{Field: "tenant_id", Message: "required"})
	}
	if !p.Amount.IsPositive() {
		details = append(details, errutil.Detail{Field: "amount", Message: "must be positive"})
	}
	if p.Currency != "" && !currencyPattern.MatchString(p.Currency) {
		details = append(details, errutil.Detail{Field: "currency", Message: "must be a 3 letter ISO 4217 code"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid payment", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) CreatePayment(ctx context.Context, p CreatePaymentParams) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.CreatePayment")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}

	t, err := s.tenantRepo.FindOne(ctx, &tenant.Tenant{ID: p.TenantID})
	if err != nil {
		return nil, errutil.FromStorage("failed to get tenant", err)
	}
	if t == nil {
		return nil, errutil.NotFound("tenant not found", nil)
	}

	code, err := s.codes.NextPaymentCode(ctx, p.TenantID)
	if err != nil {
		zapLog.Error("failed to generate payment code", zap.Error(err))
		return nil, errutil.StorageUnavailable("failed to generate payment code", err)
	}

	now := s.now()
	payment := &Payment{
		ID:                s.node.Generate().String(),
		CreatedAt:         now,
		UpdatedAt:         now,
		TenantID:          p.TenantID,
		Code:              code,
		UserID:            p.UserID,
		Amount:            p.Amount.Round(2),
		Currency:          p.Currency,
		Concept:           p.Concept,
		Method:            p.Method,
		ExternalReference: p.ExternalReference,
		Status:            StatusPending,
		ExpiresAt:         p.ExpiresAt,
		TransactionData:   datatypes.NewJSONType(TransactionData{}),
		Metadata:          datatypes.JSONMap(p.Metadata),
		Version:           1,
	}

	if err := s.repo.Create(ctx, payment); err != nil {
		zapLog.Error("failed to create payment", zap.String("tenant_id", p.TenantID), zap.Error(err))
		return nil, errutil.FromStorage("failed to create payment", err)
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "Payment created",
		TenantID: p.TenantID,
		Metadata: map[string]any{"payment_id": payment.ID, "code": code, "amount": payment.Amount.String(), "currency": payment.Currency},
	})
	return payment, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.GetPayment")
	defer span.End()

	return s.load(ctx, s.db, id)
}

func (s *Service) load(ctx context.Context, db *gorm.DB, id string) (*Payment, error) {
	payment, err := s.repo.WithTrx(db).FindOne(ctx, &Payment{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get payment", zap.Error(err))
		return nil, errutil.FromStorage("failed to get payment", err)
	}
	if payment == nil {
		return nil, errutil.NotFound("payment not found", nil)
	}
	return payment, nil
}

type ListPaymentsParams struct {
	TenantID string
	Status   Status
	Page     pagination.Pagination
}

type ListPaymentsResult struct {
	Payments []*Payment          `json:"payments"`
	Page     *pagination.PageInfo `json:"page"`
}

func (s *Service) ListPayments(ctx context.Context, p ListPaymentsParams) (*ListPaymentsResult, error) {
	ctx, span := tracer.Start(ctx, "payment.ListPayments")
	defer span.End()

	if p.Status != "" && p.Status.String() == "" {
		return nil, errutil.ValidationFailed("unknown payment status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "unknown"}))
	}

	page := p.Page.Normalize()
	payments, err := s.repo.Find(ctx, &Payment{TenantID: p.TenantID, Status: p.Status}, option.ApplyPagination(page))
	if err != nil {
		return nil, errutil.FromStorage("failed to list payments", err)
	}

	payments, info := pagination.BuildCursorPageInfo(payments, page.Limit, func(m *Payment) string { return m.ID })
	return &ListPaymentsResult{Payments: payments, Page: info}, nil
}

// transition moves a payment out of from. The update is conditional on the
// version read and the source status.
func (s *Service) transition(ctx context.Context, id string, from, to Status, updates map[string]any) (*Payment, error) {
	payment, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != from {
		return nil, errutil.UnprocessableEntity("payment cannot move from "+string(payment.Status)+" to "+string(to), nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(payment.Status)}))
	}

	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = s.now()

	affected, err := repository.CompareAndUpdate[Payment](ctx, s.db, id, payment.Version, updates,
		option.ApplyOperator(option.Condition{Field: "status", Value: from}))
	if err != nil {
		return nil, errutil.FromStorage("failed to update payment", err)
	}
	if affected == 0 {
		return nil, errutil.Conflict("payment was modified concurrently", nil)
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "Payment " + string(to),
		TenantID: payment.TenantID,
		Metadata: map[string]any{"payment_id": id, "from": string(from), "to": string(to)},
	})
	return s.load(ctx, s.db, id)
}

func (s *Service) MarkCompleted(ctx context.Context, id string, data TransactionData) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.MarkCompleted")
	defer span.End()

	updates := map[string]any{
		"paid_at":          s.now(),
		"transaction_data": datatypes.NewJSONType(data),
	}
	if data.Method != "" {
		updates["method"] = data.Method
	}
	return s.transition(ctx, id, StatusPending, StatusCompleted, updates)
}

func (s *Service) MarkFailed(ctx context.Context, id string, errText string) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.MarkFailed")
	defer span.End()

	return s.transition(ctx, id, StatusPending, StatusFailed, map[string]any{"error": errText})
}

// Refund is irreversible. A payment already spent on a license stays linked
// to it.
func (s *Service) Refund(ctx context.Context, id string) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.Refund")
	defer span.End()

	return s.transition(ctx, id, StatusCompleted, StatusRefunded, nil)
}

// ExpirePending expires pending payments whose deadline passed before now.
func (s *Service) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "payment.ExpirePending")
	defer span.End()

	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", StatusPending, now.UTC()).
		Updates(map[string]any{
			"status":     StatusExpired,
			"updated_at": s.now(),
			"version":    gorm.Expr("version + ?", 1),
		})
	if res.Error != nil {
		logger.FromContext(ctx).Error("failed to expire pending payments", zap.Error(res.Error))
		return 0, errutil.FromStorage("failed to expire pending payments", res.Error)
	}

	if res.RowsAffected > 0 {
		logger.FromContext(ctx).Info("expired pending payments", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func unconsumed(db *gorm.DB) *gorm.DB {
	return db.Where("consumed_at IS NULL")
}

// ConsumeParams links a payment to what it paid for.
type ConsumeParams struct {
	PaymentID string
	TenantID  string
	RequestID string
	LicenseID string
	MinAmount decimal.Decimal
}

// Consume marks a completed payment as spent on a request or renewal. It runs
// on the caller's tx. Any payment that cannot settle the charge yields
// PaymentRequired.
func (s *Service) Consume(ctx context.Context, tx *gorm.DB, p ConsumeParams) error {
	ctx, span := tracer.Start(ctx, "payment.Consume")
	defer span.End()

	if p.PaymentID == "" {
		return errutil.PaymentRequired("a completed payment is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "payment_id", Message: "required"}))
	}

	payment, err := s.repo.WithTrx(tx).FindOne(ctx, &Payment{ID: p.PaymentID})
	if err != nil {
		return errutil.FromStorage("failed to get payment", err)
	}

	switch {
	case payment == nil, payment.TenantID != p.TenantID:
		return errutil.PaymentRequired("payment not found for tenant", nil,
			errutil.WithDetails(errutil.Detail{Field: "payment_id", Message: "not found"}))
	case payment.Status != StatusCompleted:
		return errutil.PaymentRequired("payment is not completed", nil,
			errutil.WithDetails(errutil.Detail{Field: "payment_id", Message: string(payment.Status)}))
	case payment.Consumed():
		return errutil.PaymentRequired("payment was already used", nil,
			errutil.WithDetails(errutil.Detail{Field: "payment_id", Message: "consumed"}))
	case payment.Amount.LessThan(p.MinAmount):
		return errutil.PaymentRequired("payment amount does not cover the price", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "below " + p.MinAmount.StringFixed(2)}))
	}

	affected, err := repository.CompareAndUpdate[Payment](ctx, tx, payment.ID, payment.Version, map[string]any{
		"request_id":  p.RequestID,
		"license_id":  p.LicenseID,
		"consumed_at": s.now(),
		"updated_at":  s.now(),
	},
		option.ApplyOperator(option.Condition{Field: "status", Value: StatusCompleted}),
		unconsumed,
	)
	if err != nil {
		return errutil.FromStorage("failed to consume payment", err)
	}
	if affected == 0 {
		return errutil.Conflict("payment was modified concurrently", nil)
	}
	return nil
}

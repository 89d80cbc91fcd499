package payment

import (
	"context"
	"testing"
	"time"

	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/sequence"
	"safekey-licensing/services/tenant"
	"safekey-licensing/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &tenant.Tenant{}, &Payment{})
	require.NoError(t, db.Create(&tenant.Tenant{ID: "t-1", Name: "Acme", Slug: "acme", Plan: tenant.PlanFree, Active: true}).Error)
	require.NoError(t, db.Create(&tenant.Tenant{ID: "t-2", Name: "Other", Slug: "other", Plan: tenant.PlanFree, Active: true}).Error)

	svc := NewService(ServiceParams{
		DB:    db,
		Node:  testutil.NewTestNode(t),
		Codes: sequence.NewMemoryGenerator(),
	})
	svc.now = testutil.FixedClock(testNow)
	return svc, db
}

func createPayment(t *testing.T, svc *Service, tenantID, amount string) *Payment {
	t.Helper()

	p, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		TenantID: tenantID,
		UserID:   "u-1",
		Amount:   decimal.RequireFromString(amount),
		Method:   "card",
		Concept:  "license",
	})
	require.NoError(t, err)
	return p
}

func TestCreatePayment(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		TenantID: "t-1",
		Amount:   decimal.RequireFromString("19.999"),
		Currency: "eur",
		Metadata: map[string]any{"campaign": "spring"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, "EUR", p.Currency)
	require.True(t, p.Amount.Equal(decimal.RequireFromString("20.00")))
	require.Contains(t, p.Code, "PAY-")

	got, err := svc.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, got.Amount.Equal(p.Amount))
	require.Equal(t, "spring", got.Metadata["campaign"])

	defaulted := createPayment(t, svc, "t-1", "5")
	require.Equal(t, DefaultCurrency, defaulted.Currency)
}

func TestCreatePaymentValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name   string
		params CreatePaymentParams
		status errutil.CoreStatus
	}{
		{"zero amount", CreatePaymentParams{TenantID: "t-1", Amount: decimal.Zero}, errutil.StatusValidationFailed},
		{"negative amount", CreatePaymentParams{TenantID: "t-1", Amount: decimal.NewFromInt(-1)}, errutil.StatusValidationFailed},
		{"bad currency", CreatePaymentParams{TenantID: "t-1", Amount: decimal.NewFromInt(1), Currency: "US"}, errutil.StatusValidationFailed},
		{"digits in currency", CreatePaymentParams{TenantID: "t-1", Amount: decimal.NewFromInt(1), Currency: "U5D"}, errutil.StatusValidationFailed},
		{"missing tenant", CreatePaymentParams{TenantID: "nope", Amount: decimal.NewFromInt(1)}, errutil.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePayment(context.Background(), tt.params)
			require.True(t, errutil.Is(err, tt.status), "got %v", err)
		})
	}
}

func TestPaymentTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p := createPayment(t, svc, "t-1", "10")

	completed, err := svc.MarkCompleted(ctx, p.ID, TransactionData{
		Method:   "card",
		Provider: "stripe",
		Customer: &Customer{Name: "Ada", Email: "ada@example.com"},
		Items:    []Item{{Name: "Pro", Price: decimal.NewFromInt(10), Quantity: 1}},
		Extra:    map[string]any{"receipt": map[string]any{"number": "R-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.PaidAt)
	require.Equal(t, p.Version+1, completed.Version)
	data := completed.TransactionData.Data()
	require.Equal(t, "stripe", data.Provider)
	require.Equal(t, "Ada", data.Customer.Name)
	require.Contains(t, data.Extra, "receipt")

	_, err = svc.MarkFailed(ctx, p.ID, "declined")
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))

	refunded, err := svc.Refund(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, refunded.Status)

	_, err = svc.Refund(ctx, p.ID)
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	_, err = svc.MarkCompleted(ctx, p.ID, TransactionData{})
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))

	failed := createPayment(t, svc, "t-1", "10")
	failed, err = svc.MarkFailed(ctx, failed.ID, "card declined")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "card declined", failed.Error)

	_, err = svc.Refund(ctx, failed.ID)
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))

	_, err = svc.MarkCompleted(ctx, "missing", TransactionData{})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestExpirePending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	stale, err := svc.CreatePayment(ctx, CreatePaymentParams{TenantID: "t-1", Amount: decimal.NewFromInt(5), ExpiresAt: &past})
	require.NoError(t, err)
	fresh, err := svc.CreatePayment(ctx, CreatePaymentParams{TenantID: "t-1", Amount: decimal.NewFromInt(5), ExpiresAt: &future})
	require.NoError(t, err)
	open := createPayment(t, svc, "t-1", "5")

	count, err := svc.ExpirePending(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = svc.ExpirePending(ctx, testNow)
	require.NoError(t, err)
	require.Zero(t, count)

	for id, want := range map[string]Status{stale.ID: StatusExpired, fresh.ID: StatusPending, open.ID: StatusPending} {
		got, err := svc.GetPayment(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status)
	}
}

func TestListPaymentsByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createPayment(t, svc, "t-1", "1")
	createPayment(t, svc, "t-1", "2")
	createPayment(t, svc, "t-2", "3")
	_, err := svc.MarkCompleted(ctx, a.ID, TransactionData{})
	require.NoError(t, err)

	all, err := svc.ListPayments(ctx, ListPaymentsParams{TenantID: "t-1"})
	require.NoError(t, err)
	require.Len(t, all.Payments, 2)

	completed, err := svc.ListPayments(ctx, ListPaymentsParams{TenantID: "t-1", Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed.Payments, 1)
	require.Equal(t, a.ID, completed.Payments[0].ID)

	paged, err := svc.ListPayments(ctx, ListPaymentsParams{TenantID: "t-1", Page: pagination.Pagination{Limit: 1}})
	require.NoError(t, err)
	require.Len(t, paged.Payments, 1)
	require.True(t, paged.Page.HasMore)

	_, err = svc.ListPayments(ctx, ListPaymentsParams{TenantID: "t-1", Status: "bogus"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestConsume(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	paid := createPayment(t, svc, "t-1", "50")
	_, err := svc.MarkCompleted(ctx, paid.ID, TransactionData{})
	require.NoError(t, err)
	pending := createPayment(t, svc, "t-1", "50")

	price := decimal.NewFromInt(50)
	tests := []struct {
		name   string
		params ConsumeParams
	}{
		{"missing id", ConsumeParams{TenantID: "t-1", MinAmount: price}},
		{"unknown payment", ConsumeParams{PaymentID: "nope", TenantID: "t-1", MinAmount: price}},
		{"other tenant", ConsumeParams{PaymentID: paid.ID, TenantID: "t-2", MinAmount: price}},
		{"not completed", ConsumeParams{PaymentID: pending.ID, TenantID: "t-1", MinAmount: price}},
		{"amount too low", ConsumeParams{PaymentID: paid.ID, TenantID: "t-1", MinAmount: decimal.NewFromInt(51)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Consume(ctx, db, tt.params)
			require.True(t, errutil.Is(err, errutil.StatusPaymentRequired), "got %v", err)
		})
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.Consume(ctx, tx, ConsumeParams{PaymentID: paid.ID, TenantID: "t-1", RequestID: "r-1", LicenseID: "l-1", MinAmount: price})
	})
	require.NoError(t, err)

	got, err := svc.GetPayment(ctx, paid.ID)
	require.NoError(t, err)
	require.True(t, got.Consumed())
	require.Equal(t, "r-1", got.RequestID)
	require.Equal(t, "l-1", got.LicenseID)

	err = svc.Consume(ctx, db, ConsumeParams{PaymentID: paid.ID, TenantID: "t-1", RequestID: "r-2", MinAmount: price})
	require.True(t, errutil.Is(err, errutil.StatusPaymentRequired))
}

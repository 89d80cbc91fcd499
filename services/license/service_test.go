package license

import (
	"context"
	"sync"
	"testing"
	"time"

	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/featureflags"
	"safekey-licensing/pkg/sequence"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/catalog"
	"safekey-licensing/services/payment"
	"safekey-licensing/services/tenant"
	"safekey-licensing/services/testutil"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

type recordingHooks struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHooks) record(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHooks) OnLicenseActivated(_ context.Context, e Event) { h.record(e) }
func (h *recordingHooks) OnLicenseSuspended(_ context.Context, e Event) { h.record(e) }
func (h *recordingHooks) OnLicenseExpired(_ context.Context, e Event)   { h.record(e) }
func (h *recordingHooks) OnLicenseExpiring(_ context.Context, e Event)  { h.record(e) }

func (h *recordingHooks) count(typ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *testutil.Clock
	hooks    *recordingHooks
	catalog  *catalog.Service
	payments *payment.Service
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	flags featureflags.FeatureFlag
	seed  string
}

func withFlags(f featureflags.FeatureFlag) fixtureOption {
	return func(c *fixtureConfig) { c.flags = f }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	var fc fixtureConfig
	for _, opt := range opts {
		opt(&fc)
	}

	db := testutil.NewTestDB(t,
		&tenant.Tenant{},
		&catalog.Software{},
		&catalog.LicenseType{},
		&payment.Payment{},
		&Request{},
		&License{},
		&Heartbeat{},
	)
	node := testutil.NewTestNode(t)
	cfg := testutil.NewTestConfig(t)
	cfg.Licensing.OfflineTokenSeed = fc.seed
	codes := sequence.NewMemoryGenerator()

	cat := catalog.NewService(catalog.ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		References: NewReferenceChecker(),
	})
	pay := payment.NewService(payment.ServiceParams{DB: db, Node: node, Codes: codes})

	hooks := &recordingHooks{}
	svc, err := newService(db, node, cfg.Licensing, codes, cat, pay, fc.flags, hooks, nil)
	require.NoError(t, err)

	clock := &testutil.Clock{At: testNow}
	svc.now = clock.Now

	return &fixture{svc: svc, db: db, clock: clock, hooks: hooks, catalog: cat, payments: pay}
}

func requireSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func (f *fixture) seedTenant(t *testing.T, id string, maxLicenses, maxUsers int64) {
	t.Helper()

	require.NoError(t, f.db.Create(&tenant.Tenant{
		ID:              id,
		Name:            id,
		Slug:            id,
		Plan:            tenant.PlanPro,
		Active:          true,
		MaxLicenses:     maxLicenses,
		MaxUsers:        maxUsers,
		MaxSoftwares:    5,
		MaxLicenseTypes: 10,
		Settings:        datatypes.NewJSONType(tenant.DefaultSettings()),
		Notifications:   datatypes.NewJSONType(tenant.DefaultNotificationSettings()),
	}).Error)
}

type typeOption func(*catalog.CreateLicenseTypeParams)

func withConfiguration(c catalog.Configuration) typeOption {
	return func(p *catalog.CreateLicenseTypeParams) { p.DefaultConfiguration = &c }
}

func withEligibility(expr string) typeOption {
	return func(p *catalog.CreateLicenseTypeParams) { p.Eligibility = expr }
}

func (f *fixture) createType(t *testing.T, tenantID, price string, days int, opts ...typeOption) *catalog.LicenseType {
	t.Helper()

	p := catalog.CreateLicenseTypeParams{
		Name:         "Standard",
		Price:        decimal.RequireFromString(price),
		DurationDays: days,
		Features:     []string{"export"},
	}
	for _, opt := range opts {
		opt(&p)
	}

	lt, err := f.catalog.CreateLicenseType(context.Background(), tenantID, p)
	require.NoError(t, err)
	return lt
}

func (f *fixture) paidPayment(t *testing.T, tenantID, amount string) *payment.Payment {
	t.Helper()

	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, payment.CreatePaymentParams{
		TenantID: tenantID,
		UserID:   "buyer",
		Amount:   decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	p, err = f.payments.MarkCompleted(ctx, p.ID, payment.TransactionData{Provider: "stripe"})
	require.NoError(t, err)
	return p
}

func (f *fixture) issue(t *testing.T, tenantID, userID, typeID, paymentID string) *Activation {
	t.Helper()

	ctx := context.Background()
	request, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: tenantID, UserID: userID, LicenseTypeID: typeID})
	require.NoError(t, err)

	activation, err := f.svc.ApproveRequest(ctx, request.ID, paymentID)
	require.NoError(t, err)
	return activation
}

func (f *fixture) countLicenses(t *testing.T, tenantID string) int64 {
	t.Helper()

	var n int64
	require.NoError(t, f.db.Model(&License{}).Where("tenant_id = ?", tenantID).Count(&n).Error)
	return n
}

func TestScenarioSingleLicenseTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 1, 10)

	lt := f.createType(t, "t1", "10", 30)
	pay := f.paidPayment(t, "t1", "10")

	request, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)
	require.Equal(t, RequestPending, request.Status)
	require.Contains(t, request.Code, "REQ-")

	activation, err := f.svc.ApproveRequest(ctx, request.ID, pay.ID)
	require.NoError(t, err)

	license := activation.License
	require.Equal(t, StatusActive, license.Status)
	requireSameTime(t, testNow, license.StartsAt)
	requireSameTime(t, testNow.Add(30*24*time.Hour), license.ExpiresAt)
	require.Contains(t, license.Code, "LIC-")
	require.Equal(t, []string{"export"}, []string(license.Features))
	require.Equal(t, 30, license.Configuration.Data().HeartbeatIntervalMinutes)
	require.Equal(t, 1, f.hooks.count(taskname.LicenseActivated))

	stored, err := f.svc.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, RequestApproved, stored.Status)
	require.Equal(t, pay.ID, stored.PaymentID)

	consumed, err := f.payments.GetPayment(ctx, pay.ID)
	require.NoError(t, err)
	require.Equal(t, request.ID, consumed.RequestID)
	require.Equal(t, license.ID, consumed.LicenseID)

	_, err = f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u2", LicenseTypeID: lt.ID})
	require.True(t, errutil.Is(err, errutil.StatusLimitExceeded), "got %v", err)

	var usage tenant.Usage
	require.NoError(t, NewUsageCounter().CountUsage(ctx, f.db, "t1", &usage))
	require.Equal(t, int64(1), usage.Licenses)
	require.Equal(t, int64(1), usage.Users)
}

func TestApproveRechecksLicenseCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 1, 10)
	lt := f.createType(t, "t1", "0", 30)

	first, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)
	second, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)

	_, err = f.svc.ApproveRequest(ctx, first.ID, "")
	require.NoError(t, err)

	_, err = f.svc.ApproveRequest(ctx, second.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusLimitExceeded))
	require.Equal(t, int64(1), f.countLicenses(t, "t1"))

	stored, err := f.svc.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, RequestPending, stored.Status)
}

func TestApproveRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	f.seedTenant(t, "t2", 10, 10)
	lt := f.createType(t, "t1", "25.50", 30)

	request, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)

	pending, err := f.payments.CreatePayment(ctx, payment.CreatePaymentParams{TenantID: "t1", Amount: decimal.RequireFromString("25.50")})
	require.NoError(t, err)
	foreign := f.paidPayment(t, "t2", "25.50")
	short := f.paidPayment(t, "t1", "20")

	for name, paymentID := range map[string]string{
		"none":         "",
		"pending":      pending.ID,
		"other tenant": foreign.ID,
		"too small":    short.ID,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.ApproveRequest(ctx, request.ID, paymentID)
			require.True(t, errutil.Is(err, errutil.StatusPaymentRequired), "got %v", err)
		})
	}
	require.Zero(t, f.countLicenses(t, "t1"))

	stored, err := f.svc.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, RequestPending, stored.Status)

	paid := f.paidPayment(t, "t1", "25.50")
	_, err = f.svc.ApproveRequest(ctx, request.ID, paid.ID)
	require.NoError(t, err)

	again, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u2", LicenseTypeID: lt.ID})
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(ctx, again.ID, paid.ID)
	require.True(t, errutil.Is(err, errutil.StatusPaymentRequired))
	require.Equal(t, int64(1), f.countLicenses(t, "t1"))

	_, err = f.svc.ApproveRequest(ctx, request.ID, paid.ID)
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
}

func TestApproveUsesTenantHeartbeatInterval(t *testing.T) {
	f := newFixture(t)
	settings := tenant.DefaultSettings()
	settings.HeartbeatIntervalMinutes = 15
	require.NoError(t, f.db.Create(&tenant.Tenant{
		ID: "t1", Name: "t1", Slug: "t1", Active: true, Plan: tenant.PlanFree,
		MaxLicenses: 5, MaxUsers: 5, MaxLicenseTypes: 5,
		Settings: datatypes.NewJSONType(settings),
	}).Error)

	conf := catalog.DefaultConfiguration()
	conf.CustomSettings = map[string]any{"seats": map[string]any{"floating": true}}
	lt := f.createType(t, "t1", "0", 10, withConfiguration(conf))

	activation := f.issue(t, "t1", "u1", lt.ID, "")
	got := activation.License.Configuration.Data()
	require.Equal(t, 15, got.HeartbeatIntervalMinutes)
	require.Equal(t, map[string]any{"floating": true}, got.CustomSettings["seats"])

	stored, err := f.svc.GetLicense(context.Background(), activation.License.ID)
	require.NoError(t, err)
	require.Equal(t, 15, stored.Configuration.Data().HeartbeatIntervalMinutes)
	require.Equal(t, map[string]any{"floating": true}, stored.Configuration.Data().CustomSettings["seats"])
}

func TestSubmitRequestRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	f.seedTenant(t, "t2", 10, 10)

	active := f.createType(t, "t1", "0", 30)
	inactive := f.createType(t, "t1", "0", 30)
	_, err := f.catalog.SetLicenseTypeActive(ctx, inactive.ID, false)
	require.NoError(t, err)
	foreign := f.createType(t, "t2", "0", 30)
	gated := f.createType(t, "t1", "0", 30, withEligibility(`tenant_plan == "pro" && attributes.seats <= 5`))

	tests := []struct {
		name   string
		params SubmitRequestParams
		status errutil.CoreStatus
	}{
		{"missing user", SubmitRequestParams{TenantID: "t1", LicenseTypeID: active.ID}, errutil.StatusValidationFailed},
		{"unknown type", SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: "nope"}, errutil.StatusNotFound},
		{"inactive type", SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: inactive.ID}, errutil.StatusNotFound},
		{"other tenant type", SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: foreign.ID}, errutil.StatusNotFound},
		{"unknown tenant", SubmitRequestParams{TenantID: "t9", UserID: "u1", LicenseTypeID: active.ID}, errutil.StatusNotFound},
		{"not eligible", SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: gated.ID, Attributes: map[string]any{"seats": 50}}, errutil.StatusValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitRequest(ctx, tt.params)
			require.True(t, errutil.Is(err, tt.status), "got %v", err)
		})
	}

	_, err = f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: gated.ID, Attributes: map[string]any{"seats": 3}})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&tenant.Tenant{}).Where("id = ?", "t1").Update("active", false).Error)
	_, err = f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: active.ID})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestUserCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 1)
	lt := f.createType(t, "t1", "0", 30)

	f.issue(t, "t1", "u1", lt.ID, "")
	f.issue(t, "t1", "u1", lt.ID, "")

	_, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u2", LicenseTypeID: lt.ID})
	require.True(t, errutil.Is(err, errutil.StatusLimitExceeded))

	var usage tenant.Usage
	require.NoError(t, NewUsageCounter().CountUsage(ctx, f.db, "t1", &usage))
	require.Equal(t, int64(2), usage.Licenses)
	require.Equal(t, int64(1), usage.Users)
}

func TestRejectAndCancelAreTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)

	r1, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)
	r2, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)

	rejected, err := f.svc.RejectRequest(ctx, r1.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, RequestRejected, rejected.Status)
	require.Equal(t, "duplicate", rejected.Reason)

	cancelled, err := f.svc.CancelRequest(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, RequestCancelled, cancelled.Status)

	_, err = f.svc.ApproveRequest(ctx, r1.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	_, err = f.svc.CancelRequest(ctx, r1.ID)
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	_, err = f.svc.RejectRequest(ctx, r2.ID, "late")
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	require.Zero(t, f.countLicenses(t, "t1"))

	list, err := f.svc.ListRequests(ctx, ListRequestsParams{TenantID: "t1", Status: RequestRejected})
	require.NoError(t, err)
	require.Len(t, list.Requests, 1)
}

func TestRecordHeartbeatChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	_, err := f.svc.SetAllowedIPs(ctx, license.ID, []string{"1.2.3.4"})
	require.NoError(t, err)
	_, err = f.svc.BindHardware(ctx, license.ID, "hw-1", HardwareDetails{CPUID: "cpu"})
	require.NoError(t, err)

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "9.9.9.9", HardwareInfo: "hw-1"})
	require.True(t, errutil.Is(err, errutil.StatusIPNotAllowed))

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4", HardwareInfo: "hw-2"})
	require.True(t, errutil.Is(err, errutil.StatusHardwareMismatch))

	f.clock.Advance(time.Minute)
	got, err := f.svc.RecordHeartbeat(ctx, HeartbeatParams{
		LicenseID:    license.ID,
		IP:           "1.2.3.4",
		HardwareInfo: "hw-1",
		SystemInfo:   map[string]any{"os": "linux", "disks": []any{"sda", "sdb"}},
	})
	require.NoError(t, err)
	requireSameTime(t, testNow.Add(time.Minute), *got.LastHeartbeatAt)
	require.Zero(t, got.FailedHeartbeats)

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4"})
	require.NoError(t, err)

	heartbeats, err := f.svc.ListHeartbeats(ctx, license.ID, 0)
	require.NoError(t, err)
	require.Len(t, heartbeats, 2)
	require.Equal(t, "linux", heartbeats[1].SystemInfo["os"])

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: "missing", IP: "1.2.3.4"})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestHeartbeatOnExpiredLicenseAlwaysFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	_, err := f.svc.SetAllowedIPs(ctx, license.ID, []string{"1.2.3.4"})
	require.NoError(t, err)
	_, err = f.svc.BindHardware(ctx, license.ID, "hw-1", HardwareDetails{})
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)

	for _, p := range []HeartbeatParams{
		{LicenseID: license.ID, IP: "1.2.3.4", HardwareInfo: "hw-1"},
		{LicenseID: license.ID, IP: "9.9.9.9", HardwareInfo: "hw-1"},
		{LicenseID: license.ID, IP: "9.9.9.9", HardwareInfo: "hw-2"},
	} {
		_, err := f.svc.RecordHeartbeat(ctx, p)
		require.True(t, errutil.Is(err, errutil.StatusLicenseExpired), "got %v", err)
	}

	n, err := f.svc.ExpireSweep(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "9.9.9.9", HardwareInfo: "hw-2"})
	require.True(t, errutil.Is(err, errutil.StatusLicenseExpired))

	heartbeats, err := f.svc.ListHeartbeats(ctx, license.ID, 10)
	require.NoError(t, err)
	require.Empty(t, heartbeats)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	revoked, err := f.svc.Revoke(ctx, license.ID, "chargeback")
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.Equal(t, "chargeback", revoked.RevocationReason)
	require.NotNil(t, revoked.RevokedAt)

	_, err = f.svc.Revoke(ctx, license.ID, "again")
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4"})
	require.True(t, errutil.Is(err, errutil.StatusLicenseRevoked))

	_, err = f.svc.Renew(ctx, license.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusLicenseRevoked))

	n, err := f.svc.ExpireSweep(ctx, testNow.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	var usage tenant.Usage
	require.NoError(t, NewUsageCounter().CountUsage(ctx, f.db, "t1", &usage))
	require.Zero(t, usage.Licenses)
}

func TestExpireSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	short := f.createType(t, "t1", "0", 10)
	long := f.createType(t, "t1", "0", 60)

	a := f.issue(t, "t1", "u1", short.ID, "").License
	b := f.issue(t, "t1", "u1", long.ID, "").License

	sweepAt := testNow.Add(20 * 24 * time.Hour)
	n, err := f.svc.ExpireSweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	first := map[string]*License{}
	for _, id := range []string{a.ID, b.ID} {
		l, err := f.svc.GetLicense(ctx, id)
		require.NoError(t, err)
		first[id] = l
	}
	require.Equal(t, StatusExpired, first[a.ID].Status)
	require.Equal(t, StatusActive, first[b.ID].Status)

	n, err = f.svc.ExpireSweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Zero(t, n)

	for _, id := range []string{a.ID, b.ID} {
		l, err := f.svc.GetLicense(ctx, id)
		require.NoError(t, err)
		require.Equal(t, first[id].Status, l.Status)
		require.Equal(t, first[id].Version, l.Version)
	}
	require.Equal(t, 1, f.hooks.count(taskname.LicenseExpired))
}

func TestCheckLivenessSuspendsSilentLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	f.clock.Advance(89 * time.Minute)
	got, err := f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Zero(t, got.FailedHeartbeats)

	f.clock.Advance(time.Minute)
	got, err = f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, got.Status)
	require.Equal(t, 1, got.FailedHeartbeats)
	require.NotNil(t, got.SuspendedAt)
	require.Equal(t, 1, f.hooks.count(taskname.LicenseSuspended))

	again, err := f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, got.Version, again.Version)

	resumed, err := f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)
	require.Zero(t, resumed.FailedHeartbeats)
	require.Nil(t, resumed.SuspendedAt)
}

func TestCheckLivenessHonoursOfflineGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)

	conf := catalog.DefaultConfiguration()
	conf.AllowOfflineUse = true
	conf.OfflineDaysLimit = 2
	lt := f.createType(t, "t1", "0", 30, withConfiguration(conf))
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	f.clock.Advance(3 * time.Hour)
	got, err := f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, 1, got.FailedHeartbeats)

	f.clock.Advance(3 * 24 * time.Hour)
	got, err = f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, got.Status)
	require.Equal(t, 2, got.FailedHeartbeats)
}

func TestCheckLivenessPrefersExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 1)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	f.clock.Advance(2 * 24 * time.Hour)
	got, err := f.svc.CheckLiveness(ctx, license.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Zero(t, got.FailedHeartbeats)
	require.Equal(t, 0, f.hooks.count(taskname.LicenseSuspended))
	require.Equal(t, 1, f.hooks.count(taskname.LicenseExpired))
}

func TestCheckLivenessAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)

	silent1 := f.issue(t, "t1", "u1", lt.ID, "").License
	silent2 := f.issue(t, "t1", "u1", lt.ID, "").License
	chatty := f.issue(t, "t1", "u1", lt.ID, "").License

	f.clock.Advance(2 * time.Hour)
	_, err := f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: chatty.ID, IP: "1.2.3.4"})
	require.NoError(t, err)

	n, err := f.svc.CheckLivenessAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for id, want := range map[string]Status{silent1.ID: StatusSuspended, silent2.ID: StatusSuspended, chatty.ID: StatusActive} {
		l, err := f.svc.GetLicense(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, l.Status)
	}

	list, err := f.svc.ListLicenses(ctx, ListLicensesParams{TenantID: "t1", Status: StatusSuspended})
	require.NoError(t, err)
	require.Len(t, list.Licenses, 2)
}

func TestConcurrentHeartbeatsResetCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "0", 30)
	license := f.issue(t, "t1", "u1", lt.ID, "").License

	require.NoError(t, f.db.Model(&License{}).Where("id = ?", license.ID).Update("failed_heartbeats", 2).Error)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.svc.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	require.Zero(t, got.FailedHeartbeats)
	require.Equal(t, license.Version+n, got.Version)

	heartbeats, err := f.svc.ListHeartbeats(ctx, license.ID, 100)
	require.NoError(t, err)
	require.Len(t, heartbeats, n)
}

func TestBindHardware(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)

	locked := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30).ID, "").License
	rebindConf := catalog.DefaultConfiguration()
	rebindConf.AllowRebind = true
	flexible := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30, withConfiguration(rebindConf)).ID, "").License

	_, err := f.svc.BindHardware(ctx, locked.ID, "", HardwareDetails{})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	bound, err := f.svc.BindHardware(ctx, locked.ID, "hw-1", HardwareDetails{CPUID: "c1", Extra: map[string]any{"gpu": "rtx"}})
	require.NoError(t, err)
	require.Equal(t, "hw-1", bound.HardwareInfo)
	require.Equal(t, "rtx", bound.HardwareDetails.Data().Extra["gpu"])

	refreshed, err := f.svc.BindHardware(ctx, locked.ID, "hw-1", HardwareDetails{CPUID: "c2"})
	require.NoError(t, err)
	require.Equal(t, "c2", refreshed.HardwareDetails.Data().CPUID)

	_, err = f.svc.BindHardware(ctx, locked.ID, "hw-2", HardwareDetails{})
	require.True(t, errutil.Is(err, errutil.StatusHardwareMismatch))

	_, err = f.svc.BindHardware(ctx, flexible.ID, "hw-1", HardwareDetails{})
	require.NoError(t, err)
	moved, err := f.svc.BindHardware(ctx, flexible.ID, "hw-2", HardwareDetails{})
	require.NoError(t, err)
	require.Equal(t, "hw-2", moved.HardwareInfo)
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "10", 30)
	license := f.issue(t, "t1", "u1", lt.ID, f.paidPayment(t, "t1", "10").ID).License

	early := f.paidPayment(t, "t1", "10")
	f.clock.Advance(10 * 24 * time.Hour)
	renewed, err := f.svc.Renew(ctx, license.ID, early.ID)
	require.NoError(t, err)
	requireSameTime(t, testNow.Add(60*24*time.Hour), renewed.ExpiresAt)

	_, err = f.svc.Renew(ctx, license.ID, early.ID)
	require.True(t, errutil.Is(err, errutil.StatusPaymentRequired))

	f.clock.Advance(100 * 24 * time.Hour)
	n, err := f.svc.ExpireSweep(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	late := f.paidPayment(t, "t1", "10")
	revived, err := f.svc.Renew(ctx, license.ID, late.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, revived.Status)
	requireSameTime(t, f.clock.Now().Add(30*24*time.Hour), revived.ExpiresAt)

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "1.2.3.4"})
	require.NoError(t, err)
}

func TestOfflineToken(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) {
		c.seed = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	})
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)

	online := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30).ID, "").License
	_, err := f.svc.IssueOfflineToken(ctx, online.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	conf := catalog.DefaultConfiguration()
	conf.AllowOfflineUse = true
	conf.OfflineDaysLimit = 7
	offline := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30, withConfiguration(conf)).ID, "").License
	_, err = f.svc.BindHardware(ctx, offline.ID, "hw-1", HardwareDetails{})
	require.NoError(t, err)

	token, err := f.svc.IssueOfflineToken(ctx, offline.ID)
	require.NoError(t, err)

	claims, err := f.svc.VerifyOfflineToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, offline.ID, claims.Subject)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, "hw-1", claims.HardwareInfo)
	require.Equal(t, []string{"export"}, claims.Features)
	requireSameTime(t, testNow.Add(7*24*time.Hour), claims.Expiry.Time())

	_, err = f.svc.VerifyOfflineToken(ctx, token+"x")
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.VerifyOfflineToken(ctx, token)
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))

	f.clock.Advance(20 * 24 * time.Hour)
	late, err := f.svc.IssueOfflineToken(ctx, offline.ID)
	require.NoError(t, err)
	claims, err = f.svc.VerifyOfflineToken(ctx, late)
	require.NoError(t, err)
	requireSameTime(t, offline.ExpiresAt, claims.Expiry.Time())

	other := newFixture(t)
	_, err = other.svc.VerifyOfflineToken(ctx, late)
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))
}

func TestCheckFeature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)

	conf := catalog.DefaultConfiguration()
	conf.FeatureFlags = map[string]bool{"beta": true, "legacy": false}
	license := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30, withConfiguration(conf)).ID, "").License

	for feature, want := range map[string]bool{"export": true, "beta": true, "legacy": false, "unknown": false} {
		got, err := f.svc.CheckFeature(ctx, license.ID, feature)
		require.NoError(t, err)
		require.Equal(t, want, got, feature)
	}

	_, err := f.svc.Revoke(ctx, license.ID, "abuse")
	require.NoError(t, err)
	got, err := f.svc.CheckFeature(ctx, license.ID, "export")
	require.NoError(t, err)
	require.False(t, got)
}

type flagsStub struct {
	featureflags.FeatureFlag
	names []string
}

func (s flagsStub) Enabled() bool { return true }

func (s flagsStub) EnabledFeatures(context.Context, string, ...*flagsmith.Trait) ([]string, error) {
	return s.names, nil
}

func TestApproveAddsFlagsmithFeatures(t *testing.T) {
	f := newFixture(t, withFlags(flagsStub{names: []string{"beta", "export"}}))
	f.seedTenant(t, "t1", 10, 10)

	license := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30).ID, "").License
	require.Equal(t, []string{"export", "feature_beta", "feature_export"}, []string(license.Features))
}

func TestAuthenticateAPIKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	activation := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30).ID, "")

	require.Contains(t, activation.APIKey, "sk_lic_"+activation.License.ID+"_")
	require.NotContains(t, activation.License.APIKeyHash, activation.APIKey)

	got, err := f.svc.AuthenticateAPIKey(ctx, activation.APIKey)
	require.NoError(t, err)
	require.Equal(t, activation.License.ID, got.ID)

	for _, key := range []string{
		"",
		"garbage",
		"sk_lic_" + activation.License.ID,
		activation.License.APIKeyPrefix + "nope",
		"sk_lic_999_" + activation.APIKey[len("sk_lic_"+activation.License.ID+"_"):],
	} {
		_, err := f.svc.AuthenticateAPIKey(ctx, key)
		require.True(t, errutil.Is(err, errutil.StatusUnauthorized), "key %q: %v", key, err)
	}
}

func TestSetAllowedIPs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	license := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 30).ID, "").License

	_, err := f.svc.SetAllowedIPs(ctx, license.ID, []string{"1.2.3.4", "not-an-ip"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	got, err := f.svc.SetAllowedIPs(ctx, license.ID, []string{"1.2.3.4", "1.2.3.4", "2001:db8::1"})
	require.NoError(t, err)
	require.Equal(t, []string{"1.2.3.4", "2001:db8::1"}, []string(got.AllowedIPs))

	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "2001:0db8:0000::1"})
	require.NoError(t, err)

	cleared, err := f.svc.SetAllowedIPs(ctx, license.ID, nil)
	require.NoError(t, err)
	require.Empty(t, cleared.AllowedIPs)
	_, err = f.svc.RecordHeartbeat(ctx, HeartbeatParams{LicenseID: license.ID, IP: "9.9.9.9"})
	require.NoError(t, err)
}

func TestNotifyExpiring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)

	soon := f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 5).ID, "").License
	f.issue(t, "t1", "u1", f.createType(t, "t1", "0", 20).ID, "")

	n, err := f.svc.NotifyExpiring(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.svc.NotifyExpiring(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, f.hooks.count(taskname.LicenseExpiring))

	_, err = f.svc.Renew(ctx, soon.ID, "")
	require.NoError(t, err)
	n, err = f.svc.NotifyExpiring(ctx, testNow.Add(6*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLicenseTypeImmutableOnceRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t1", 10, 10)
	lt := f.createType(t, "t1", "10", 30)

	_, err := f.svc.SubmitRequest(ctx, SubmitRequestParams{TenantID: "t1", UserID: "u1", LicenseTypeID: lt.ID})
	require.NoError(t, err)

	price := decimal.NewFromInt(5)
	_, err = f.catalog.UpdateLicenseType(ctx, lt.ID, catalog.LicenseTypePatch{Price: &price})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = f.catalog.SetLicenseTypeActive(ctx, lt.ID, false)
	require.NoError(t, err)
}

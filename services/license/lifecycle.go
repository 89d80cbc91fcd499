package license

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
	"safekey-licensing/pkg/taskname"
	"safekey-licensing/services/audit"
	"safekey-licensing/services/payment"
	"safekey-licensing/services/tenant"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

// mutation inspects a license read inside tx and returns the columns to
// change. Nil updates leave the row untouched.
type mutation func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error)

// mutate applies fn as a conditional update on the license version. Lost
// races are retried against fresh state.
func (s *Service) mutate(ctx context.Context, op, id string, fn mutation) (*License, error) {
	var out *License
	err := s.retry.run(ctx, op, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			l, err := s.loadLicense(ctx, tx, id)
			if err != nil {
				return err
			}

			now := s.now()
			updates, err := fn(ctx, tx, l, now)
			if err != nil {
				return err
			}
			if updates == nil {
				out = l
				return nil
			}

			updates["updated_at"] = now
			affected, err := repository.CompareAndUpdate[License](ctx, tx, l.ID, l.Version, updates)
			if err != nil {
				return err
			}
			if affected == 0 {
				return errutil.Conflict("license was modified concurrently", nil)
			}

			out, err = s.loadLicense(ctx, tx, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// usable rejects licenses that can no longer be used at now. Expiry wins over
// every other check.
func usable(l *License, now time.Time) error {
	if l.Status == StatusRevoked {
		return errutil.LicenseRevoked("license was revoked", nil)
	}
	if l.ExpiredAt(now) {
		return errutil.LicenseExpired("license expired", nil,
			errutil.WithDetails(errutil.Detail{Field: "expires_at", Message: l.ExpiresAt.Format(time.RFC3339)}))
	}
	return nil
}

// BindHardware attaches the machine fingerprint. Binding the same
// fingerprint again only refreshes the details.
func (s *Service) BindHardware(ctx context.Context, licenseID, hardwareInfo string, details HardwareDetails) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.BindHardware")
	defer span.End()

	if hardwareInfo == "" {
		return nil, errutil.ValidationFailed("hardware info is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "hardware_info", Message: "required"}))
	}

	var rebound bool
	license, err := s.mutate(ctx, "bind_hardware", licenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		if err := usable(l, now); err != nil {
			return nil, err
		}

		rebound = l.HardwareInfo != "" && l.HardwareInfo != hardwareInfo
		if rebound && !l.Configuration.Data().AllowRebind {
			return nil, errutil.HardwareMismatch("license is bound to another machine", nil)
		}

		return map[string]any{
			"hardware_info":    hardwareInfo,
			"hardware_details": datatypes.NewJSONType(details),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if rebound {
		s.audit.Append(ctx, audit.Entry{
			Level:    audit.LevelWarn,
			Message:  "License rebound to new hardware",
			TenantID: license.TenantID,
			Metadata: map[string]any{"license_id": license.ID},
		})
	}
	return license, nil
}

type HeartbeatParams struct {
	LicenseID    string
	IP           string
	HardwareInfo string
	SystemInfo   map[string]any
}

// RecordHeartbeat stores a liveness ping and clears the missed heartbeat
// counter. A suspended license becomes active again.
func (s *Service) RecordHeartbeat(ctx context.Context, p HeartbeatParams) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.RecordHeartbeat")
	defer span.End()

	var resumed bool
	license, err := s.mutate(ctx, "record_heartbeat", p.LicenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		if err := usable(l, now); err != nil {
			return nil, err
		}
		if !l.IPAllowed(p.IP) {
			return nil, errutil.IPNotAllowed("ip address is not allowed for this license", nil,
				errutil.WithDetails(errutil.Detail{Field: "ip", Message: p.IP}))
		}

		updates := map[string]any{
			"last_heartbeat_at": now,
			"failed_heartbeats": 0,
		}

		if p.HardwareInfo != "" && p.HardwareInfo != l.HardwareInfo {
			if l.HardwareInfo != "" && !l.Configuration.Data().AllowRebind {
				return nil, errutil.HardwareMismatch("license is bound to another machine", nil)
			}
			updates["hardware_info"] = p.HardwareInfo
		}

		resumed = l.Status == StatusSuspended
		if resumed {
			updates["status"] = StatusActive
			updates["suspended_at"] = nil
		}

		heartbeat := &Heartbeat{
			ID:           s.node.Generate().String(),
			TenantID:     l.TenantID,
			LicenseID:    l.ID,
			ReceivedAt:   now,
			IPAddress:    p.IP,
			HardwareInfo: p.HardwareInfo,
			SystemInfo:   datatypes.JSONMap(p.SystemInfo),
		}
		if err := s.heartbeatRepo.WithTrx(tx).Create(ctx, heartbeat); err != nil {
			return nil, err
		}
		return updates, nil
	})
	if err != nil {
		heartbeatsTotal.WithLabelValues(string(errutil.StatusOf(err))).Inc()
		return nil, err
	}

	heartbeatsTotal.WithLabelValues("ok").Inc()
	if resumed {
		transitionsTotal.WithLabelValues(string(StatusActive)).Inc()
		logger.FromContext(ctx).Info("license resumed by heartbeat", zap.String("license_id", license.ID))
	}
	return license, nil
}

// CheckLiveness counts a missed heartbeat window and suspends the license
// once the counter passes the threshold and offline use does not cover the
// silence. Only active licenses are checked.
func (s *Service) CheckLiveness(ctx context.Context, licenseID string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.CheckLiveness")
	defer span.End()

	var target Status
	license, err := s.mutate(ctx, "check_liveness", licenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		target = ""
		if l.Status != StatusActive {
			return nil, nil
		}

		if l.ExpiredAt(now) {
			target = StatusExpired
			return map[string]any{"status": StatusExpired}, nil
		}

		conf := l.Configuration.Data()
		interval := conf.HeartbeatIntervalMinutes
		if interval <= 0 {
			interval = s.cfg.DefaultHeartbeatIntervalMinutes
		}

		since := l.StartsAt
		if l.LastHeartbeatAt != nil {
			since = *l.LastHeartbeatAt
		}
		silence := now.Sub(since)

		window := time.Duration(interval*s.cfg.MissedHeartbeatThreshold) * time.Minute
		if silence < window {
			return nil, nil
		}

		failed := l.FailedHeartbeats + 1
		updates := map[string]any{"failed_heartbeats": failed}

		offlineCovered := conf.AllowOfflineUse && silence <= time.Duration(conf.OfflineDaysLimit)*day
		if failed > s.cfg.FailedHeartbeatThreshold && !offlineCovered {
			target = StatusSuspended
			updates["status"] = StatusSuspended
			updates["suspended_at"] = now
		}
		return updates, nil
	})
	if err != nil {
		return nil, err
	}

	switch target {
	case StatusExpired:
		s.afterExpire(ctx, license)
	case StatusSuspended:
		transitionsTotal.WithLabelValues(string(StatusSuspended)).Inc()
		s.hooks.OnLicenseSuspended(ctx, newEvent(taskname.LicenseSuspended, license, s.now()))
		s.audit.Append(ctx, audit.Entry{
			Level:    audit.LevelWarn,
			Message:  "License suspended after missed heartbeats",
			TenantID: license.TenantID,
			Metadata: map[string]any{"license_id": license.ID, "failed_heartbeats": license.FailedHeartbeats},
		})
	}
	return license, nil
}

// CheckLivenessAll runs CheckLiveness over every active license and returns
// how many were suspended. A failing license is logged and skipped.
func (s *Service) CheckLivenessAll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "license.CheckLivenessAll")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	var ids []string
	if err := s.db.WithContext(ctx).Model(&License{}).Where("status = ?", StatusActive).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return 0, errutil.FromStorage("failed to list active licenses", err)
	}

	limit := s.cfg.LivenessConcurrency
	if limit <= 0 {
		limit = 8
	}

	var suspended, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			license, err := s.CheckLiveness(gctx, id)
			if err != nil {
				failed.Add(1)
				zapLog.Warn("liveness check failed", zap.String("license_id", id), zap.Error(err))
				return nil
			}
			if license.Status == StatusSuspended {
				suspended.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(suspended.Load()), err
	}

	zapLog.Info("liveness sweep finished",
		zap.Int("checked", len(ids)),
		zap.Int64("suspended", suspended.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return int(suspended.Load()), nil
}

// Revoke ends a live license for good.
func (s *Service) Revoke(ctx context.Context, licenseID, reason string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.Revoke")
	defer span.End()

	license, err := s.mutate(ctx, "revoke", licenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		if !l.Status.Live() {
			return nil, errutil.UnprocessableEntity("license is "+string(l.Status), nil,
				errutil.WithDetails(errutil.Detail{Field: "status", Message: string(l.Status)}))
		}
		return map[string]any{
			"status":            StatusRevoked,
			"revoked_at":        now,
			"revocation_reason": reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusRevoked)).Inc()
	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelWarn,
		Message:  "License revoked",
		TenantID: license.TenantID,
		Metadata: map[string]any{"license_id": license.ID, "reason": reason},
	})
	return license, nil
}

// ExpireSweep expires every live license whose window closed before now.
// Running it again finds nothing to do.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "license.ExpireSweep")
	defer span.End()

	zapLog := logger.FromContext(ctx)
	now = now.UTC()

	var ids []string
	if err := s.db.WithContext(ctx).Model(&License{}).
		Scopes(liveStatuses).
		Where("expires_at < ?", now).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return 0, errutil.FromStorage("failed to list expired licenses", err)
	}

	expired := 0
	for _, id := range ids {
		var changed bool
		license, err := s.mutate(ctx, "expire_sweep", id, func(ctx context.Context, tx *gorm.DB, l *License, _ time.Time) (map[string]any, error) {
			changed = l.Status.Live() && l.ExpiresAt.Before(now)
			if !changed {
				return nil, nil
			}
			return map[string]any{"status": StatusExpired}, nil
		})
		if err != nil {
			zapLog.Warn("failed to expire license", zap.String("license_id", id), zap.Error(err))
			continue
		}
		if changed {
			expired++
			s.afterExpire(ctx, license)
		}
	}

	if expired > 0 {
		zapLog.Info("expired licenses", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) afterExpire(ctx context.Context, license *License) {
	transitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.hooks.OnLicenseExpired(ctx, newEvent(taskname.LicenseExpired, license, s.now()))
	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License expired",
		TenantID: license.TenantID,
		Metadata: map[string]any{"license_id": license.ID, "expires_at": license.ExpiresAt.Format(time.RFC3339)},
	})
}

// Renew extends the license by its type's duration counted from the later of
// now and the current expiry. Suspended and expired licenses become active.
func (s *Service) Renew(ctx context.Context, licenseID, paymentID string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.Renew")
	defer span.End()

	license, err := s.mutate(ctx, "renew", licenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		if l.Status == StatusRevoked {
			return nil, errutil.LicenseRevoked("license was revoked", nil)
		}

		lt, err := s.types.LicenseTypeInTx(ctx, tx, l.LicenseTypeID)
		if err != nil {
			return nil, err
		}

		if lt.RequiresPayment() {
			if err := s.payments.Consume(ctx, tx, payment.ConsumeParams{
				PaymentID: paymentID,
				TenantID:  l.TenantID,
				RequestID: l.RequestID,
				LicenseID: l.ID,
				MinAmount: lt.Price,
			}); err != nil {
				return nil, err
			}
		}

		base := l.ExpiresAt
		if now.After(base) {
			base = now
		}

		return map[string]any{
			"expires_at":         base.Add(lt.Duration()),
			"status":             StatusActive,
			"suspended_at":       nil,
			"failed_heartbeats":  0,
			"expiry_notified_at": nil,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License renewed",
		TenantID: license.TenantID,
		Metadata: map[string]any{"license_id": license.ID, "payment_id": paymentID, "expires_at": license.ExpiresAt.Format(time.RFC3339)},
	})
	return license, nil
}

// NotifyExpiring fires the expiring hook once per validity window for active
// licenses that expire inside their tenant's warning window.
func (s *Service) NotifyExpiring(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "license.NotifyExpiring")
	defer span.End()

	zapLog := logger.FromContext(ctx)
	now = now.UTC()

	var tenantIDs []string
	if err := s.db.WithContext(ctx).Model(&License{}).
		Where("status = ? AND expiry_notified_at IS NULL AND expires_at > ?", StatusActive, now).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return 0, errutil.FromStorage("failed to list tenants with expiring licenses", err)
	}

	notified := 0
	for _, tenantID := range tenantIDs {
		t, err := repository.ProvideStore[tenant.Tenant](s.db).FindOne(ctx, &tenant.Tenant{ID: tenantID})
		if err != nil || t == nil {
			zapLog.Warn("failed to load tenant for expiry notice", zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}

		days := t.Settings.Data().LicenseExpirationWarningDays
		if days <= 0 {
			days = tenant.DefaultSettings().LicenseExpirationWarningDays
		}

		var licenses []*License
		if err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND status = ? AND expiry_notified_at IS NULL AND expires_at > ? AND expires_at <= ?",
				tenantID, StatusActive, now, now.Add(time.Duration(days)*day)).
			Find(&licenses).Error; err != nil {
			zapLog.Warn("failed to list expiring licenses", zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}

		for _, l := range licenses {
			affected, err := repository.CompareAndUpdate[License](ctx, s.db, l.ID, l.Version, map[string]any{
				"expiry_notified_at": now,
				"updated_at":         s.now(),
			})
			if err != nil || affected == 0 {
				continue
			}
			notified++
			s.hooks.OnLicenseExpiring(ctx, newEvent(taskname.LicenseExpiring, l, now))
		}
	}
	return notified, nil
}

// CheckFeature reports whether a usable license grants feature.
func (s *Service) CheckFeature(ctx context.Context, licenseID, feature string) (bool, error) {
	ctx, span := tracer.Start(ctx, "license.CheckFeature")
	defer span.End()

	license, err := s.GetLicense(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if license.Status != StatusActive || license.ExpiredAt(s.now()) {
		return false, nil
	}
	return license.HasFeature(feature), nil
}

// SetAllowedIPs replaces the allow list. An empty list admits any address.
func (s *Service) SetAllowedIPs(ctx context.Context, licenseID string, ips []string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.SetAllowedIPs")
	defer span.End()

	normalized := make([]string, 0, len(ips))
	var details []errutil.Detail
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			details = append(details, errutil.Detail{Field: "allowed_ips", Message: "invalid ip " + ip})
			continue
		}
		if !containsString(normalized, parsed.String()) {
			normalized = append(normalized, parsed.String())
		}
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid allowed ips", nil, errutil.WithDetails(details...))
	}

	return s.mutate(ctx, "set_allowed_ips", licenseID, func(ctx context.Context, tx *gorm.DB, l *License, now time.Time) (map[string]any, error) {
		if l.Status == StatusRevoked {
			return nil, errutil.LicenseRevoked("license was revoked", nil)
		}
		return map[string]any{"allowed_ips": datatypes.NewJSONSlice(normalized)}, nil
	})
}

const (
	defaultHeartbeatLimit = 50
	maxHeartbeatLimit     = 500
)

// ListHeartbeats returns the newest heartbeats of a license.
func (s *Service) ListHeartbeats(ctx context.Context, licenseID string, limit int) ([]*Heartbeat, error) {
	ctx, span := tracer.Start(ctx, "license.ListHeartbeats")
	defer span.End()

	if limit <= 0 {
		limit = defaultHeartbeatLimit
	}
	if limit > maxHeartbeatLimit {
		limit = maxHeartbeatLimit
	}

	var heartbeats []*Heartbeat
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("received_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&heartbeats).Error; err != nil {
		return nil, errutil.FromStorage("failed to list heartbeats", err)
	}
	return heartbeats, nil
}

// IssueOfflineToken signs a token that lets the client run without
// heartbeats until the earlier of expiry and the offline window.
func (s *Service) IssueOfflineToken(ctx context.Context, licenseID string) (string, error) {
	ctx, span := tracer.Start(ctx, "license.IssueOfflineToken")
	defer span.End()

	license, err := s.GetLicense(ctx, licenseID)
	if err != nil {
		return "", err
	}

	now := s.now()
	if err := usable(license, now); err != nil {
		return "", err
	}
	if license.Status != StatusActive {
		return "", errutil.UnprocessableEntity("license is "+string(license.Status), nil)
	}

	conf := license.Configuration.Data()
	if !conf.AllowOfflineUse {
		return "", errutil.Forbidden("offline use is not allowed for this license", nil)
	}

	exp := now.Add(time.Duration(conf.OfflineDaysLimit) * day)
	if license.ExpiresAt.Before(exp) {
		exp = license.ExpiresAt
	}

	token, err := s.offline.sign(newOfflineClaims(license, now, exp))
	if err != nil {
		logger.FromContext(ctx).Error("failed to sign offline token", zap.String("license_id", licenseID), zap.Error(err))
		return "", errutil.Internal("failed to sign offline token", err)
	}
	return token, nil
}

// VerifyOfflineToken checks the signature and validity window of token.
func (s *Service) VerifyOfflineToken(ctx context.Context, token string) (*OfflineClaims, error) {
	_, span := tracer.Start(ctx, "license.VerifyOfflineToken")
	defer span.End()

	claims, err := s.offline.verify(token, s.now())
	if err != nil {
		return nil, errutil.Unauthorized("invalid offline token", err)
	}
	return claims, nil
}

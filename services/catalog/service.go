package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"safekey-licensing/pkg/celengine"
	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/repository"
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

var tracer = otel.Tracer("safekey-licensing/services/catalog")

// ReferenceChecker reports how many requests or licenses use a license type.
type ReferenceChecker interface {
	CountLicenseTypeReferences(ctx context.Context, tx *gorm.DB, licenseTypeID string) (int64, error)
}

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	softwareRepo repository.Repository[Software]
	typeRepo     repository.Repository[LicenseType]
	references   ReferenceChecker
	cache        *Cache
	audit        audit.Recorder
	now          func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	References ReferenceChecker `optional:"true"`
	Audit      audit.Recorder   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	if p.Audit == nil {
		p.Audit = audit.NopRecorder()
	}

	return &Service{
		db:           p.DB,
		node:         p.Node,
		softwareRepo: repository.ProvideStore[Software](p.DB),
		typeRepo:     repository.ProvideStore[LicenseType](p.DB),
		references:   p.References,
		cache:        NewCache(p.Config.Licensing.CatalogCacheTTL),
		audit:        p.Audit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// lockUsableTenant takes the tenant row lock and rejects inactive tenants.
func (s *Service) lockUsableTenant(ctx context.Context, tx *gorm.DB, tenantID string) (*tenant.Tenant, error) {
	t, err := tenant.Lock(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Usable(s.now()) {
		return nil, errutil.ValidationFailed("tenant is inactive", nil,
			errutil.WithDetails(errutil.Detail{Field: "tenant_id", Message: "inactive"}))
	}
	return t, nil
}

type CreateSoftwareParams struct {
	Name        string
	Description string
	Version     string
}

func (s *Service) CreateSoftware(ctx context.Context, tenantID string, p CreateSoftwareParams) (*Software, error) {
	ctx, span := tracer.Start(ctx, "catalog.CreateSoftware")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errutil.ValidationFailed("software name is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}

	version := p.Version
	if version == "" {
		version = DefaultSoftwareVersion
	}

	now := s.now()
	software := &Software{
		ID:          s.node.Generate().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
		TenantID:    tenantID,
		Name:        name,
		Description: p.Description,
		Version:     version,
		Active:      true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.lockUsableTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		repo := s.softwareRepo.WithTrx(tx)
		count, err := repo.Count(ctx, &Software{TenantID: tenantID})
		if err != nil {
			return err
		}
		if count >= t.MaxSoftwares {
			return errutil.LimitExceeded("software limit reached for tenant plan", nil,
				errutil.WithDetails(errutil.Detail{Field: "max_softwares", Message: "limit reached"}))
		}

		return repo.Create(ctx, software)
	})
	if err != nil {
		zapLog.Warn("failed to create software", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, errutil.FromStorage("failed to create software", err)
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "Software created",
		TenantID: tenantID,
		Metadata: map[string]any{"software_id": software.ID, "name": software.Name},
	})
	return software, nil
}

func (s *Service) GetSoftware(ctx context.Context, id string) (*Software, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetSoftware")
	defer span.End()

	software, err := s.softwareRepo.FindOne(ctx, &Software{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get software", zap.Error(err))
		return nil, errutil.FromStorage("failed to get software", err)
	}
	if software == nil {
		return nil, errutil.NotFound("software not found", nil)
	}

	return software, nil
}

type ListSoftwareResult struct {
	Softwares []*Software          `json:"softwares"`
	Page      *pagination.PageInfo `json:"page"`
}

func (s *Service) ListSoftware(ctx context.Context, tenantID string, page pagination.Pagination) (*ListSoftwareResult, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListSoftware")
	defer span.End()

	page = page.Normalize()
	softwares, err := s.softwareRepo.Find(ctx, &Software{TenantID: tenantID}, option.ApplyPagination(page))
	if err != nil {
		return nil, errutil.FromStorage("failed to list softwares", err)
	}

	softwares, info := pagination.BuildCursorPageInfo(softwares, page.Limit, func(m *Software) string { return m.ID })
	return &ListSoftwareResult{Softwares: softwares, Page: info}, nil
}

type CreateLicenseTypeParams struct {
	Name                 string
	Description          string
	SoftwareID           string
	Price                decimal.Decimal
	DurationDays         int
	Features             []string
	DefaultConfiguration *Configuration
	Eligibility          string
}

func validatePricing(price decimal.Decimal, durationDays int) error {
	var details []errutil.Detail
	if price.IsNegative() {
		details = append(details, errutil.Detail{Field: "price", Message: "must not be negative"})
	}
	if durationDays <= 0 {
		details = append(details, errutil.Detail{Field: "duration_days", Message: "must be positive"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid license type", nil, errutil.WithDetails(details...))
	}
	return nil
}

func validateEligibility(expr string) error {
	if expr == "" {
		return nil
	}
	if err := celengine.ValidateExpression(expr); err != nil {
		return errutil.ValidationFailed("invalid eligibility expression", err,
			errutil.WithDetails(errutil.Detail{Field: "eligibility", Message: err.Error()}))
	}
	return nil
}

// normalizeFeatures trims, drops empties and duplicates, keeping order.
func normalizeFeatures(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (s *Service) CreateLicenseType(ctx context.Context, tenantID string, p CreateLicenseTypeParams) (*LicenseType, error) {
	ctx, span := tracer.Start(ctx, "catalog.CreateLicenseType")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errutil.ValidationFailed("license type name is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}
	if err := validatePricing(p.Price, p.DurationDays); err != nil {
		return nil, err
	}
	if err := validateEligibility(p.Eligibility); err != nil {
		return nil, err
	}

	configuration := DefaultConfiguration()
	if p.DefaultConfiguration != nil {
		configuration = *p.DefaultConfiguration
	}

	now := s.now()
	licenseType := &LicenseType{
		ID:                   s.node.Generate().String(),
		CreatedAt:            now,
		UpdatedAt:            now,
		TenantID:             tenantID,
		SoftwareID:           p.SoftwareID,
		Name:                 name,
		Description:          p.Description,
		Price:                p.Price.Round(2),
		DurationDays:         p.DurationDays,
		Features:             datatypes.NewJSONSlice(normalizeFeatures(p.Features)),
		DefaultConfiguration: datatypes.NewJSONType(configuration),
		Eligibility:          p.Eligibility,
		Active:               true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.lockUsableTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		if p.SoftwareID != "" {
			software, err := s.softwareRepo.WithTrx(tx).FindOne(ctx, &Software{ID: p.SoftwareID, TenantID: tenantID})
			if err != nil {
				return err
			}
			if software == nil {
				return errutil.NotFound("software not found", nil)
			}
		}

		repo := s.typeRepo.WithTrx(tx)
		count, err := repo.Count(ctx, &LicenseType{TenantID: tenantID})
		if err != nil {
			return err
		}
		if count >= t.MaxLicenseTypes {
			return errutil.LimitExceeded("license type limit reached for tenant plan", nil,
				errutil.WithDetails(errutil.Detail{Field: "max_license_types", Message: "limit reached"}))
		}

		return repo.Create(ctx, licenseType)
	})
	if err != nil {
		zapLog.Warn("failed to create license type", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, errutil.FromStorage("failed to create license type", err)
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License type created",
		TenantID: tenantID,
		Metadata: map[string]any{"license_type_id": licenseType.ID, "name": licenseType.Name, "price": licenseType.Price.String()},
	})
	return licenseType, nil
}

func (s *Service) GetLicenseType(ctx context.Context, id string) (*LicenseType, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetLicenseType")
	defer span.End()

	return s.loadLicenseType(ctx, s.db, id)
}

func (s *Service) loadLicenseType(ctx context.Context, db *gorm.DB, id string) (*LicenseType, error) {
	licenseType, err := s.typeRepo.WithTrx(db).FindOne(ctx, &LicenseType{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get license type", zap.Error(err))
		return nil, errutil.FromStorage("failed to get license type", err)
	}
	if licenseType == nil {
		return nil, errutil.NotFound("license type not found", nil)
	}
	return licenseType, nil
}

// LookupLicenseType reads through the process cache.
func (s *Service) LookupLicenseType(ctx context.Context, id string) (*LicenseType, error) {
	return s.cache.Get(ctx, id, func(ctx context.Context, id string) (*LicenseType, error) {
		return s.loadLicenseType(ctx, s.db, id)
	})
}

// LicenseTypeInTx reads a license type with tx, bypassing the cache.
func (s *Service) LicenseTypeInTx(ctx context.Context, tx *gorm.DB, id string) (*LicenseType, error) {
	return s.loadLicenseType(ctx, tx, id)
}

type ListLicenseTypesParams struct {
	TenantID   string
	ActiveOnly bool
	Page       pagination.Pagination
}

type ListLicenseTypesResult struct {
	LicenseTypes []*LicenseType       `json:"license_types"`
	Page         *pagination.PageInfo `json:"page"`
}

func (s *Service) ListLicenseTypes(ctx context.Context, p ListLicenseTypesParams) (*ListLicenseTypesResult, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListLicenseTypes")
	defer span.End()

	page := p.Page.Normalize()
	opts := []option.QueryOption{option.ApplyPagination(page)}
	if p.ActiveOnly {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "active", Value: true}))
	}

	types, err := s.typeRepo.Find(ctx, &LicenseType{TenantID: p.TenantID}, opts...)
	if err != nil {
		return nil, errutil.FromStorage("failed to list license types", err)
	}

	types, info := pagination.BuildCursorPageInfo(types, page.Limit, func(m *LicenseType) string { return m.ID })
	return &ListLicenseTypesResult{LicenseTypes: types, Page: info}, nil
}

// LicenseTypePatch holds optional changes. DefaultConfiguration is merged on
// top of the stored document.
type LicenseTypePatch struct {
	Name                 *string
	Description          *string
	Price                *decimal.Decimal
	DurationDays         *int
	Features             []string
	DefaultConfiguration json.RawMessage
	Eligibility          *string
	Active               *bool
}

func (p LicenseTypePatch) touchesTerms() bool {
	return p.Name != nil || p.Description != nil || p.Price != nil || p.DurationDays != nil ||
		p.Features != nil || len(p.DefaultConfiguration) > 0 || p.Eligibility != nil
}

// UpdateLicenseType applies patch. Once a request references the type only the
// active flag may change.
func (s *Service) UpdateLicenseType(ctx context.Context, id string, patch LicenseTypePatch) (*LicenseType, error) {
	ctx, span := tracer.Start(ctx, "catalog.UpdateLicenseType")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadLicenseType(ctx, tx, id)
		if err != nil {
			return err
		}

		updates := map[string]any{}

		if patch.touchesTerms() {
			if s.references != nil {
				refs, err := s.references.CountLicenseTypeReferences(ctx, tx, id)
				if err != nil {
					return err
				}
				if refs > 0 {
					return errutil.Conflict("license type is referenced by requests and can no longer change", nil)
				}
			}

			price, duration := current.Price, current.DurationDays
			if patch.Price != nil {
				price = patch.Price.Round(2)
			}
			if patch.DurationDays != nil {
				duration = *patch.DurationDays
			}
			if err := validatePricing(price, duration); err != nil {
				return err
			}
			updates["price"] = price
			updates["duration_days"] = duration

			if patch.Name != nil {
				name := strings.TrimSpace(*patch.Name)
				if name == "" {
					return errutil.ValidationFailed("license type name is required", nil,
						errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
				}
				updates["name"] = name
			}
			if patch.Description != nil {
				updates["description"] = *patch.Description
			}
			if patch.Features != nil {
				updates["features"] = datatypes.NewJSONSlice(normalizeFeatures(patch.Features))
			}
			if patch.Eligibility != nil {
				if err := validateEligibility(*patch.Eligibility); err != nil {
					return err
				}
				updates["eligibility"] = *patch.Eligibility
			}
			if len(patch.DefaultConfiguration) > 0 {
				configuration := current.DefaultConfiguration.Data()
				if err := json.Unmarshal(patch.DefaultConfiguration, &configuration); err != nil {
					return errutil.ValidationFailed("malformed default configuration", err)
				}
				updates["default_configuration"] = datatypes.NewJSONType(configuration)
			}
		}

		if patch.Active != nil {
			updates["active"] = *patch.Active
		}

		if len(updates) == 0 {
			return nil
		}

		updates["updated_at"] = s.now()
		return s.typeRepo.WithTrx(tx).Update(ctx, id, updates)
	})
	if err != nil {
		zapLog.Warn("failed to update license type", zap.String("license_type_id", id), zap.Error(err))
		return nil, errutil.FromStorage("failed to update license type", err)
	}

	s.cache.Invalidate(id)
	return s.GetLicenseType(ctx, id)
}

// SetLicenseTypeActive toggles availability for new requests. Issued licenses
// are not affected.
func (s *Service) SetLicenseTypeActive(ctx context.Context, id string, active bool) (*LicenseType, error) {
	ctx, span := tracer.Start(ctx, "catalog.SetLicenseTypeActive")
	defer span.End()

	licenseType, err := s.UpdateLicenseType(ctx, id, LicenseTypePatch{Active: &active})
	if err != nil {
		return nil, err
	}

	s.audit.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Message:  "License type availability changed",
		TenantID: licenseType.TenantID,
		Metadata: map[string]any{"license_type_id": id, "active": active},
	})
	return licenseType, nil
}

// UsageCounter reports the softwares and license types a tenant owns.
type UsageCounter struct{}

func NewUsageCounter() UsageCounter {
	return UsageCounter{}
}

func (UsageCounter) CountUsage(ctx context.Context, tx *gorm.DB, tenantID string, usage *tenant.Usage) error {
	softwares, err := repository.ProvideStore[Software](tx).Count(ctx, &Software{TenantID: tenantID})
	if err != nil {
		return err
	}
	types, err := repository.ProvideStore[LicenseType](tx).Count(ctx, &LicenseType{TenantID: tenantID})
	if err != nil {
		return err
	}

	usage.Softwares += softwares
	usage.LicenseTypes += types
	return nil
}

package license

import (
	"context"

	"safekey-licensing/pkg/repository"
	"safekey-licensing/services/tenant"

	"gorm.io/gorm"
)

// UsageCounter reports live licenses and the distinct users holding them.
type UsageCounter struct{}

func NewUsageCounter() UsageCounter {
	return UsageCounter{}
}

func (UsageCounter) CountUsage(ctx context.Context, tx *gorm.DB, tenantID string, usage *tenant.Usage) error {
	licenses, err := countLiveLicenses(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	users, err := countLiveUsers(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	usage.Licenses += licenses
	usage.Users += users
	return nil
}

// ReferenceChecker counts requests filed against a license type. Every
// license comes from a request, so requests cover licenses too.
type ReferenceChecker struct{}

func NewReferenceChecker() ReferenceChecker {
	return ReferenceChecker{}
}

func (ReferenceChecker) CountLicenseTypeReferences(ctx context.Context, tx *gorm.DB, licenseTypeID string) (int64, error) {
	return repository.ProvideStore[Request](tx).Count(ctx, &Request{LicenseTypeID: licenseTypeID})
}

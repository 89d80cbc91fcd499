package license

import (
	"context"
	"strings"

	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/security"

	"go.uber.org/zap"
)

const apiKeyPrefix = "sk_lic_"

type apiKey struct {
	plain  string
	prefix string
	hash   string
}

// newAPIKey returns sk_lic_<license id>_<secret>. Only the argon2 hash and a
// short display prefix are persisted.
func newAPIKey(licenseID string) (apiKey, error) {
	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return apiKey{}, err
	}

	plain := apiKeyPrefix + licenseID + "_" + secret
	hash, err := security.HashArgon2(plain)
	if err != nil {
		return apiKey{}, err
	}

	return apiKey{
		plain:  plain,
		prefix: apiKeyPrefix + licenseID + "_" + secret[:4],
		hash:   hash,
	}, nil
}

// parseAPIKey extracts the license id. The secret may itself contain
// underscores, license ids never do.
func parseAPIKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, apiKeyPrefix)
	if !ok {
		return "", false
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", false
	}
	return id, true
}

// AuthenticateAPIKey resolves the license that owns key.
func (s *Service) AuthenticateAPIKey(ctx context.Context, key string) (*License, error) {
	ctx, span := tracer.Start(ctx, "license.AuthenticateAPIKey")
	defer span.End()

	id, ok := parseAPIKey(key)
	if !ok {
		return nil, errutil.Unauthorized("invalid api key", nil)
	}

	license, err := s.licenseRepo.FindOne(ctx, &License{ID: id})
	if err != nil {
		return nil, errutil.FromStorage("failed to get license", err)
	}
	if license == nil || !strings.HasPrefix(key, license.APIKeyPrefix) {
		return nil, errutil.Unauthorized("invalid api key", nil)
	}

	match, err := security.VerifyArgon2(key, license.APIKeyHash)
	if err != nil {
		logger.FromContext(ctx).Error("stored api key hash is malformed", zap.String("license_id", id), zap.Error(err))
		return nil, errutil.Unauthorized("invalid api key", nil)
	}
	if !match {
		return nil, errutil.Unauthorized("invalid api key", nil)
	}

	if license.Status == StatusRevoked {
		return nil, errutil.LicenseRevoked("license was revoked", nil)
	}
	return license, nil
}

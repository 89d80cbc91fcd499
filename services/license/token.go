package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"
)

const offlineTokenIssuer = "safekey-licensing"

// OfflineClaims are carried by an offline token so clients can validate the
// license without reaching the server.
type OfflineClaims struct {
	jwt.Claims
	TenantID     string   `json:"tenant_id"`
	LicenseCode  string   `json:"license_code"`
	HardwareInfo string   `json:"hardware_info,omitempty"`
	Features     []string `json:"features"`
}

type offlineSigner struct {
	public ed25519.PublicKey
	signer jose.Signer
}

// newOfflineSigner builds the EdDSA signer from a base64 seed. An empty seed
// generates a process-local key, so tokens will not verify on other replicas.
func newOfflineSigner(seed string) (*offlineSigner, error) {
	var key ed25519.PrivateKey
	if seed == "" {
		zap.L().Warn("offline token seed not configured, using an ephemeral key")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		key = priv
	} else {
		raw, err := base64.StdEncoding.DecodeString(seed)
		if err != nil {
			return nil, fmt.Errorf("decode offline token seed: %w", err)
		}
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("offline token seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
		}
		key = ed25519.NewKeyFromSeed(raw)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, err
	}

	return &offlineSigner{
		public: key.Public().(ed25519.PublicKey),
		signer: signer,
	}, nil
}

func (s *offlineSigner) sign(claims OfflineClaims) (string, error) {
	return jwt.Signed(s.signer).Claims(claims).Serialize()
}

func (s *offlineSigner) verify(token string, now time.Time) (*OfflineClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, err
	}

	var claims OfflineClaims
	if err := parsed.Claims(s.public, &claims); err != nil {
		return nil, err
	}

	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{
		Issuer: offlineTokenIssuer,
		Time:   now,
	}, 0); err != nil {
		return nil, err
	}
	return &claims, nil
}

func newOfflineClaims(l *License, issued, exp time.Time) OfflineClaims {
	return OfflineClaims{
		Claims: jwt.Claims{
			Issuer:   offlineTokenIssuer,
			Subject:  l.ID,
			IssuedAt: jwt.NewNumericDate(issued),
			Expiry:   jwt.NewNumericDate(exp),
		},
		TenantID:     l.TenantID,
		LicenseCode:  l.Code,
		HardwareInfo: l.HardwareInfo,
		Features:     append([]string{}, l.Features...),
	}
}

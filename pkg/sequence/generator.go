package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"safekey-licensing/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues human readable codes. Codes are unique per prefix, tenant
// and UTC day.
type Generator interface {
	NextLicenseCode(ctx context.Context, tenantID string) (string, error)
	NextRequestCode(ctx context.Context, tenantID string) (string, error)
	NextPaymentCode(ctx context.Context, tenantID string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextLicenseCode(ctx context.Context, tenantID string) (string, error) {
	return g.nextDailyCode(ctx, "LIC", tenantID)
}

func (g *RedisGenerator) NextRequestCode(ctx context.Context, tenantID string) (string, error) {
	return g.nextDailyCode(ctx, "REQ", tenantID)
}

func (g *RedisGenerator) NextPaymentCode(ctx context.Context, tenantID string) (string, error) {
	return g.nextDailyCode(ctx, "PAY", tenantID)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, tenantID string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := rediskey.BuildSequenceKey(prefix, tenantID, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}

	return Format(prefix, today, seq)
}

// Format renders PREFIX-YYMMDD-SEQ plus two random characters. The random
// suffix keeps codes from being guessed sequentially.
func Format(prefix, day string, seq int64) (string, error) {
	encodedSeq := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encodedSeq) < 3 {
		encodedSeq = strings.Repeat("0", 3-len(encodedSeq)) + encodedSeq
	}

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}

package sequence

import (
	"context"
	"sync"
	"time"
)

// MemoryGenerator keeps counters in process. It serves single-node setups and
// tests where no redis is available.
type MemoryGenerator struct {
	mu       sync.Mutex
	counters map[string]int64
	now      func() time.Time
}

func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

func (g *MemoryGenerator) NextLicenseCode(ctx context.Context, tenantID string) (string, error) {
	return g.next("LIC", tenantID)
}

func (g *MemoryGenerator) NextRequestCode(ctx context.Context, tenantID string) (string, error) {
	return g.next("REQ", tenantID)
}

func (g *MemoryGenerator) NextPaymentCode(ctx context.Context, tenantID string) (string, error) {
	return g.next("PAY", tenantID)
}

func (g *MemoryGenerator) next(prefix, tenantID string) (string, error) {
	day := g.now().UTC().Format("060102")
	key := prefix + ":" + tenantID + ":" + day

	g.mu.Lock()
	g.counters[key]++
	seq := g.counters[key]
	g.mu.Unlock()

	return Format(prefix, day, seq)
}

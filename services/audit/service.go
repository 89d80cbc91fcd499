package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/option"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"
	"safekey-licensing/pkg/middleware"
	"safekey-licensing/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("safekey-licensing/services/audit")

var (
	droppedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Audit entries dropped because the write buffer was full.",
	})
	writeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})
)

const writeTimeout = 5 * time.Second

// Recorder accepts audit entries without blocking the caller.
type Recorder interface {
	Append(ctx context.Context, e Entry)
}

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, Entry) {}

// NopRecorder discards every entry.
func NopRecorder() Recorder { return nopRecorder{} }

type Service struct {
	node          *snowflake.Node
	repo          repository.Repository[Log]
	queue         chan *Log
	warnThreshold int
	failures      int
	dropped       atomic.Int64
	mu            sync.RWMutex
	closed        bool
	done          chan struct{}
	now           func() time.Time
}

type ServiceParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
}

func NewService(p ServiceParams) *Service {
	s := New(p.DB, p.Node, p.Config.Licensing)
	p.Lifecycle.Append(fx.Hook{
		OnStop: s.Close,
	})
	return s
}

// New starts the background writer. Close must be called to flush it.
func New(db *gorm.DB, node *snowflake.Node, cfg config.Licensing) *Service {
	s := newService(db, node, cfg)
	go s.run()
	return s
}

func newService(db *gorm.DB, node *snowflake.Node, cfg config.Licensing) *Service {
	size := cfg.AuditBufferSize
	if size <= 0 {
		size = 1024
	}
	threshold := cfg.AuditFailureWarnThreshold
	if threshold <= 0 {
		threshold = 5
	}

	return &Service{
		node:          node,
		repo:          repository.ProvideStore[Log](db),
		queue:         make(chan *Log, size),
		warnThreshold: threshold,
		done:          make(chan struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Append enqueues e. A full buffer drops the entry.
func (s *Service) Append(ctx context.Context, e Entry) {
	actor := e.Actor
	if actor == (Actor{}) {
		a := middleware.ActorFromContext(ctx)
		actor = Actor{IP: a.IP, UserAgent: a.UserAgent, UserID: a.UserID}
	}

	level := e.Level
	if level.String() == "" {
		level = LevelInfo
	}

	message := truncate(e.Message, MaxMessageLength)
	entry := &Log{
		ID:         s.node.Generate().String(),
		CreatedAt:  s.now(),
		Level:      level,
		Message:    message,
		Details:    e.Details,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
		UserID:     actor.UserID,
		TenantID:   e.TenantID,
		Metadata:   datatypes.JSONMap(e.Metadata),
		SearchText: searchText(message, e.Details, e.Metadata),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(ctx, entry)
		return
	}

	select {
	case s.queue <- entry:
	default:
		s.drop(ctx, entry)
	}
}

func (s *Service) drop(ctx context.Context, entry *Log) {
	s.dropped.Add(1)
	droppedEntries.Inc()
	logger.FromContext(ctx).Warn("audit entry dropped", zap.String("tenant_id", entry.TenantID), zap.String("message", entry.Message))
}

// Dropped returns how many entries were discarded so far.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) run() {
	defer close(s.done)
	for entry := range s.queue {
		s.write(entry)
	}
}

func (s *Service) write(entry *Log) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, entry); err != nil {
		s.failures++
		writeFailures.Inc()
		if s.failures >= s.warnThreshold && s.failures%s.warnThreshold == 0 {
			zap.L().Warn("audit log store is failing",
				zap.Int("consecutive_failures", s.failures),
				zap.Error(err),
			)
		}
		return
	}

	s.failures = 0
}

// Close stops accepting entries and waits until the buffer is written or ctx
// is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SearchParams struct {
	TenantID string
	Query    string
	Level    Level
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Search returns the tenant's log entries matching every term of Query,
// newest first.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]*Log, error) {
	ctx, span := tracer.Start(ctx, "audit.Search")
	defer span.End()

	if p.TenantID == "" {
		return nil, errutil.ValidationFailed("tenant id is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "tenant_id", Message: "required"}))
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	opts := []option.QueryOption{}
	for _, term := range strings.Fields(strings.ToLower(p.Query)) {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "search_text",
			Operator: option.LIKE,
			Value:    "%" + term + "%",
		}))
	}
	if p.Level != "" {
		if p.Level.String() == "" {
			return nil, errutil.ValidationFailed("unknown level", nil,
				errutil.WithDetails(errutil.Detail{Field: "level", Message: string(p.Level)}))
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "level", Value: p.Level}))
	}
	if p.Since != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: p.Since.UTC()}))
	}
	if p.Until != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: p.Until.UTC()}))
	}
	opts = append(opts,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") },
		option.WithLimit(limit),
	)

	logs, err := s.repo.Find(ctx, &Log{TenantID: p.TenantID}, opts...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to search logs", zap.String("tenant_id", p.TenantID), zap.Error(err))
		return nil, errutil.FromStorage("failed to search logs", err)
	}

	return logs, nil
}

package task

import (
	"context"
	"time"

	"safekey-licensing/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service  *Service
	interval time.Duration
	done     chan struct{}
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	interval := cfg.Licensing.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{service: svc, interval: interval, done: make(chan struct{})}
}

// StartScheduler registers the maintenance tasks and runs the enqueue loop
// for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := s.service.EnsureTasks(startCtx); err != nil {
				cancel()
				return err
			}
			go s.run(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-s.done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	zap.L().Info("[Scheduler] started maintenance scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()

	queued, err := s.service.EnqueueAll(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed to enqueue maintenance tasks", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] enqueued maintenance tasks",
		zap.Int("queued", queued),
		zap.Duration("duration", time.Since(start)),
	)
}

package probe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/models"
)

// Sampler produces one complete record per call.
type Sampler interface {
	Collect(ctx context.Context) models.MetricsRecord
}

//go:generate mockgen -source=probe.go -destination=mock/publisher.go -package=mockprobe

// Publisher delivers records to the relay.
type Publisher interface {
	Publish(ctx context.Context, rec models.MetricsRecord) error
	Goodbye(ctx context.Context, hostname string) error
	Close() error
}

const goodbyeTimeout = 2 * time.Second

// Runner samples every interval and hands each record to the publisher.
type Runner struct {
	samplers  []Sampler
	publisher Publisher
	interval  time.Duration
	logger    *zap.Logger

	published map[string]struct{}
}

func NewRunner(publisher Publisher, interval time.Duration, logger *zap.Logger, samplers ...Sampler) *Runner {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Runner{
		samplers:  samplers,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		published: make(map[string]struct{}),
	}
}

// Run publishes immediately, then once per interval until ctx is cancelled.
// On the way out every host it reported for gets a host-offline notice.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("probe started", zap.Duration("interval", r.interval), zap.Int("hosts", len(r.samplers)))
	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	for _, s := range r.samplers {
		rec := s.Collect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err := r.publisher.Publish(ctx, rec); err != nil {
			// the relay is down for every host alike
			r.logger.Warn("publish failed", zap.String("hostname", rec.Hostname), zap.Error(err))
			return
		}
		r.published[rec.Hostname] = struct{}{}
	}
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
	defer cancel()
	for hostname := range r.published {
		if err := r.publisher.Goodbye(ctx, hostname); err != nil {
			r.logger.Debug("host-offline not delivered", zap.String("hostname", hostname), zap.Error(err))
		}
	}
	if err := r.publisher.Close(); err != nil {
		r.logger.Debug("closing publisher", zap.Error(err))
	}
	r.logger.Info("probe stopped")
}

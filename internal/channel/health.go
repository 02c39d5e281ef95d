package channel

import (
	"context"
	"log/slog"
	"time"

	"msghub/internal/metrics"
	"msghub/internal/repo"
)

// HealthPoller periodically probes every enabled channel account's
// credentials and records the result, so operators can see a broken account
// before its sends start failing.
type HealthPoller struct {
	repo     repo.Repository
	registry Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
}

func NewHealthPoller(repository repo.Repository, registry Registry, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *HealthPoller {
	return &HealthPoller{
		repo:     repository,
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "health_poller"),
		interval: interval,
	}
}

// Run polls until ctx is cancelled. One sweep runs immediately on start.
func (p *HealthPoller) Run(ctx context.Context) {
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *HealthPoller) sweep(ctx context.Context) {
	accounts, err := p.repo.ListEnabledChannelAccounts(ctx)
	if err != nil {
		p.logger.Error("list channel accounts", "error", err)
		p.metrics.Errors.WithLabelValues("health_poller").Inc()
		return
	}

	for _, acc := range accounts {
		adapter, ok := p.registry.For(acc.ChannelType)
		if !ok {
			continue
		}
		status := adapter.HealthStatus(ctx, acc)
		if status == acc.HealthStatus {
			continue
		}
		if err := p.repo.UpdateChannelAccountHealth(ctx, acc.ID, status); err != nil {
			p.logger.Error("update account health", "account_id", acc.ID, "error", err)
			p.metrics.Errors.WithLabelValues("health_poller").Inc()
			continue
		}
		p.logger.Info("channel account health changed",
			"account_id", acc.ID,
			"channel", acc.ChannelType,
			"from", acc.HealthStatus,
			"to", status)
	}
}

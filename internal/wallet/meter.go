// Package wallet meters prepaid balances. Every billable operation debits the
// tenant wallet atomically before the money is considered spent, and every
// debit leaves a ledger entry.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msghub/internal/metrics"
	"msghub/internal/model"
	"msghub/internal/repo"
)

// ChannelCosts holds per-channel unit prices in minor currency units.
// Template falls back to Message when zero. PerMinute applies to voice calls,
// billed per started minute.
type ChannelCosts struct {
	Message   int64
	Template  int64
	PerMinute int64
}

// CostTable maps channels to their unit prices.
type CostTable map[model.ChannelType]ChannelCosts

// DefaultCostTable returns the built-in price list, in paise.
func DefaultCostTable() CostTable {
	return CostTable{
		model.ChannelWhatsApp: {Message: 50, Template: 75},
		model.ChannelSMS:      {Message: 25},
		model.ChannelEmail:    {Message: 10},
		model.ChannelVoice:    {PerMinute: 100},
	}
}

// Cost returns the price of one unit of the given content on a channel.
// For voice calls units is the number of billable minutes; for everything
// else it is ignored. Unknown channels cost zero.
func (t CostTable) Cost(channel model.ChannelType, contentType model.ContentType, units int) int64 {
	costs, ok := t[channel]
	if !ok {
		return 0
	}
	switch {
	case channel == model.ChannelVoice || contentType == model.ContentVoiceCall:
		if units < 1 {
			units = 1
		}
		return costs.PerMinute * int64(units)
	case contentType == model.ContentTemplate:
		if costs.Template > 0 {
			return costs.Template
		}
		return costs.Message
	default:
		return costs.Message
	}
}

// ChargeParams describe one billable usage debit.
type ChargeParams struct {
	TenantID    string
	Channel     model.ChannelType
	Amount      int64
	ReferenceID string
	Description string
}

// Meter fronts the wallet tables with cost calculation, failure typing and
// low balance detection.
type Meter struct {
	repo    repo.Repository
	costs   CostTable
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewMeter(r repo.Repository, costs CostTable, m *metrics.Metrics, logger *slog.Logger) *Meter {
	if costs == nil {
		costs = DefaultCostTable()
	}
	return &Meter{
		repo:    r,
		costs:   costs,
		metrics: m,
		logger:  logger.With("component", "wallet"),
	}
}

// EstimateCost prices an operation without touching the wallet.
func (m *Meter) EstimateCost(channel model.ChannelType, contentType model.ContentType, units int) int64 {
	return m.costs.Cost(channel, contentType, units)
}

// Balance returns the tenant wallet.
func (m *Meter) Balance(ctx context.Context, tenantID string) (*repo.Wallet, error) {
	return m.repo.GetWallet(ctx, tenantID)
}

// CheckBalance verifies the wallet can cover cost, and the channel's spend
// limits leave room for it, without debiting anything. The authoritative
// checks happen inside Charge; this is the pre-flight that rejects before a
// provider call is made, so a send past the daily cap never goes out.
func (m *Meter) CheckBalance(ctx context.Context, tenantID string, channel model.ChannelType, cost int64) error {
	if cost <= 0 {
		return nil
	}
	w, err := m.repo.GetWallet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.NewFailure(model.FailureInsufficientBalance, "no wallet for tenant")
		}
		return fmt.Errorf("check balance: %w", err)
	}
	if w.Balance < cost {
		return model.NewFailure(model.FailureInsufficientBalance,
			fmt.Sprintf("balance %d below cost %d", w.Balance, cost))
	}
	return m.checkSpendLimits(ctx, tenantID, channel, cost)
}

func (m *Meter) checkSpendLimits(ctx context.Context, tenantID string, channel model.ChannelType, cost int64) error {
	limit, err := m.repo.GetSpendLimit(ctx, tenantID, channel)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load spend limit: %w", err)
	}

	now := time.Now()
	windows := []struct {
		name  string
		limit int64
		since time.Time
	}{
		{"daily", limit.DailyLimit, repo.DayStart(now)},
		{"monthly", limit.MonthlyLimit, repo.MonthStart(now)},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		spent, err := m.repo.SumSpendSince(ctx, tenantID, channel, w.since)
		if err != nil {
			return fmt.Errorf("sum channel spend: %w", err)
		}
		if spent+cost > w.limit {
			return model.NewFailure(model.FailureSpendLimitExceeded,
				fmt.Sprintf("%s spend limit %d reached for %s", w.name, w.limit, channel))
		}
	}
	return nil
}

// Charge debits the wallet for actual usage. On success it returns the ledger
// entry plus the domain events the debit caused. A WALLET_LOW_BALANCE event
// is emitted only when this debit crosses the threshold, not on every debit
// below it.
func (m *Meter) Charge(ctx context.Context, p ChargeParams) (*repo.WalletTransaction, []model.Event, error) {
	if p.Amount <= 0 {
		return nil, nil, nil
	}

	wallet, err := m.repo.GetWallet(ctx, p.TenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			m.countDebitFailure(p.Channel, "no_wallet")
			return nil, nil, model.NewFailure(model.FailureInsufficientBalance, "no wallet for tenant")
		}
		return nil, nil, fmt.Errorf("load wallet: %w", err)
	}

	txn, err := m.repo.DebitWallet(ctx, repo.DebitParams{
		TenantID:    p.TenantID,
		Amount:      p.Amount,
		ChannelType: p.Channel,
		Description: p.Description,
		ReferenceID: p.ReferenceID,
	})
	switch {
	case errors.Is(err, repo.ErrInsufficientBalance):
		m.countDebitFailure(p.Channel, "insufficient_balance")
		return nil, nil, model.WrapFailure(model.FailureInsufficientBalance, err)
	case errors.Is(err, repo.ErrSpendLimitExceeded):
		m.countDebitFailure(p.Channel, "spend_limit")
		return nil, nil, model.WrapFailure(model.FailureSpendLimitExceeded, err)
	case err != nil:
		return nil, nil, fmt.Errorf("debit wallet: %w", err)
	}

	if m.metrics != nil {
		m.metrics.WalletDebits.WithLabelValues(string(p.Channel)).Inc()
	}

	events := []model.Event{model.NewEvent(model.EventWalletDebited, p.TenantID, map[string]any{
		"amount":        p.Amount,
		"balance_after": txn.BalanceAfter,
		"channel":       p.Channel,
		"reference_id":  p.ReferenceID,
	})}

	threshold := wallet.LowBalanceThreshold
	balanceBefore := txn.BalanceAfter + p.Amount
	if threshold > 0 && balanceBefore > threshold && txn.BalanceAfter <= threshold {
		m.logger.Warn("wallet crossed low balance threshold",
			"tenant_id", p.TenantID, "balance", txn.BalanceAfter, "threshold", threshold)
		events = append(events, model.NewEvent(model.EventWalletLowBalance, p.TenantID, map[string]any{
			"balance":   txn.BalanceAfter,
			"threshold": threshold,
		}))
	}

	return txn, events, nil
}

// Credit tops up the wallet.
func (m *Meter) Credit(ctx context.Context, tenantID string, amount int64, description, referenceID string) (*repo.WalletTransaction, []model.Event, error) {
	txn, err := m.repo.CreditWallet(ctx, repo.CreditParams{
		TenantID:    tenantID,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("credit wallet: %w", err)
	}
	events := []model.Event{model.NewEvent(model.EventWalletCredited, tenantID, map[string]any{
		"amount":        amount,
		"balance_after": txn.BalanceAfter,
	})}
	return txn, events, nil
}

func (m *Meter) countDebitFailure(channel model.ChannelType, reason string) {
	if m.metrics != nil {
		m.metrics.WalletDebitFailures.WithLabelValues(string(channel), reason).Inc()
	}
}

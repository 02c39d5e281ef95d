package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"msghub/internal/model"
)

// Action is the admission bucket an operation counts against. Providers keep
// independent quotas for session messages, template messages and calls, so
// each action has its own window.
type Action string

const (
	ActionMessage  Action = "message"
	ActionTemplate Action = "template"
	ActionCall     Action = "call"
)

// Rule caps how many actions fit in a trailing window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Limits holds the configured rule per (channel, action). A missing entry
// means the action is not limited.
type Limits map[model.ChannelType]map[Action]Rule

// DefaultLimits returns conservative per-account defaults. Deployments
// override these from channel account configuration.
func DefaultLimits() Limits {
	return Limits{
		model.ChannelWhatsApp: {
			ActionMessage:  {Max: 60, Window: time.Minute},
			ActionTemplate: {Max: 250, Window: 24 * time.Hour},
		},
		model.ChannelSMS: {
			ActionMessage: {Max: 30, Window: time.Minute},
		},
		model.ChannelEmail: {
			ActionMessage:  {Max: 100, Window: time.Hour},
			ActionTemplate: {Max: 100, Window: time.Hour},
		},
		model.ChannelVoice: {
			ActionCall: {Max: 20, Window: time.Hour},
		},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Status describes the current budget of a window, for diagnostics.
type Status struct {
	Used      int
	Max       int
	Remaining int
	Window    time.Duration
}

// CounterStore tracks committed actions per key inside a trailing window.
// Implementations must make Record/CountWindow atomic per key so concurrent
// senders on the same account cannot jointly slip past the threshold.
type CounterStore interface {
	// Record commits one action at the given instant. Entries older than the
	// window may be discarded.
	Record(ctx context.Context, key string, at time.Time, window time.Duration) error
	// CountWindow returns the number of actions recorded at or after `from`,
	// and the timestamp of the oldest such action (zero when count is 0).
	CountWindow(ctx context.Context, key string, from time.Time) (int, time.Time, error)
}

// Limiter performs sliding-window admission control per (account, action).
//
// The protocol is check-then-record: callers check immediately before the
// provider call and record only after a successful send, so failed sends
// never consume budget.
type Limiter struct {
	store  CounterStore
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock injects a deterministic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over the given counter store.
func New(store CounterStore, limits Limits, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: limits,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) rule(channel model.ChannelType, action Action) (Rule, bool) {
	actions, ok := l.limits[channel]
	if !ok {
		return Rule{}, false
	}
	r, ok := actions[action]
	return r, ok
}

func windowKey(accountID string, action Action) string {
	return fmt.Sprintf("ratelimit:%s:%s", accountID, action)
}

// CheckLimit reports whether one more action fits the account's window.
// Unlimited actions are always allowed.
func (l *Limiter) CheckLimit(ctx context.Context, accountID string, channel model.ChannelType, action Action) (Decision, error) {
	rule, ok := l.rule(channel, action)
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	count, oldest, err := l.store.CountWindow(ctx, windowKey(accountID, action), now.Add(-rule.Window))
	if err != nil {
		return Decision{}, fmt.Errorf("count window: %w", err)
	}

	if count >= rule.Max {
		retryAfter := time.Duration(0)
		if !oldest.IsZero() {
			retryAfter = oldest.Add(rule.Window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Max - count}, nil
}

// RecordAction commits one unit of usage. Call only after a successful send.
func (l *Limiter) RecordAction(ctx context.Context, accountID string, channel model.ChannelType, action Action) error {
	rule, ok := l.rule(channel, action)
	if !ok {
		return nil
	}
	if err := l.store.Record(ctx, windowKey(accountID, action), l.now(), rule.Window); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// GetStatus returns the remaining budget of the window, for diagnostics.
func (l *Limiter) GetStatus(ctx context.Context, accountID string, channel model.ChannelType, action Action) (Status, error) {
	rule, ok := l.rule(channel, action)
	if !ok {
		return Status{Max: -1, Remaining: -1}, nil
	}
	count, _, err := l.store.CountWindow(ctx, windowKey(accountID, action), l.now().Add(-rule.Window))
	if err != nil {
		return Status{}, fmt.Errorf("count window: %w", err)
	}
	remaining := rule.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Used: count, Max: rule.Max, Remaining: remaining, Window: rule.Window}, nil
}

// Package usage meters free-plan actions per user and accounting period.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gogenie/internal/config"
	"gogenie/internal/metrics"
	"gogenie/internal/model"
)

// ErrStoreUnavailable wraps any failure of the counter store. Callers must deny the action.
var ErrStoreUnavailable = errors.New("usage store unavailable")

// Store persists usage counters. ReserveUsage must increment atomically and
// only while the counter is below limit.
type Store interface {
	ReserveUsage(ctx context.Context, userID, period string, kind model.UsageKind, limit int) (int, bool, error)
	UsageCounts(ctx context.Context, userID, period string) (model.UsageCounter, error)
}

// Limits are the free plan quotas per period.
type Limits map[model.UsageKind]int

// LimitsFromConfig converts the configured free limits.
func LimitsFromConfig(cfg config.FreeLimits) Limits {
	return Limits{
		model.UsageChatMessages:       cfg.ChatMessages,
		model.UsageVideoSearches:      cfg.VideoSearches,
		model.UsageContentGenerations: cfg.ContentGenerations,
	}
}

// Decision is the outcome of a reservation attempt.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Kind      model.UsageKind
	Used      int
	Limit     int
	Remaining int
}

// KindUsage is one line of a usage report.
type KindUsage struct {
	Kind      model.UsageKind `json:"kind"`
	Used      int             `json:"used"`
	Limit     int             `json:"limit"`
	Remaining int             `json:"remaining"`
}

// Report summarises the current period for a user.
type Report struct {
	Period    string      `json:"period"`
	Plan      model.Plan  `json:"plan"`
	Unlimited bool        `json:"unlimited"`
	Kinds     []KindUsage `json:"usage"`
}

// PeriodKey returns the accounting period of t, the UTC calendar month.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Accountant decides whether metered actions may proceed.
type Accountant struct {
	store  Store
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountant creates an Accountant over store using the given limits.
func NewAccountant(store Store, limits Limits, logger *slog.Logger) *Accountant {
	return &Accountant{
		store:  store,
		limits: limits,
		logger: logger.With("component", "usage"),
		now:    time.Now,
	}
}

// WithClock replaces the clock used to compute period keys.
func (a *Accountant) WithClock(now func() time.Time) *Accountant {
	a.now = now
	return a
}

// CurrentPeriod returns the period key for the accountant's clock.
func (a *Accountant) CurrentPeriod() string {
	return PeriodKey(a.now())
}

// CheckAndReserve reserves one unit of kind for the user when the plan allows it.
// Paid plans never touch the store. Reserved units are not returned when the
// action later fails.
func (a *Accountant) CheckAndReserve(ctx context.Context, userID string, kind model.UsageKind, plan model.Plan) (Decision, error) {
	if !kind.Valid() {
		return Decision{}, fmt.Errorf("unknown usage kind %q", kind)
	}
	if plan.IsPaid() {
		metrics.UsageDecisions.WithLabelValues(string(kind), "unlimited").Inc()
		return Decision{Allowed: true, Unlimited: true, Kind: kind}, nil
	}

	limit := a.limits[kind]
	period := a.CurrentPeriod()
	used, reserved, err := a.store.ReserveUsage(ctx, userID, period, kind, limit)
	if err != nil {
		metrics.UsageDecisions.WithLabelValues(string(kind), "error").Inc()
		a.logger.Error("Usage store failed, denying action", "user_id", userID, "kind", kind, "error", err)
		return Decision{Kind: kind, Limit: limit}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !reserved {
		metrics.UsageDecisions.WithLabelValues(string(kind), "denied").Inc()
		a.logger.Info("Usage limit reached", "user_id", userID, "kind", kind, "period", period, "limit", limit)
		return Decision{Kind: kind, Used: used, Limit: limit, Remaining: 0}, nil
	}

	metrics.UsageDecisions.WithLabelValues(string(kind), "allowed").Inc()
	return Decision{
		Allowed:   true,
		Kind:      kind,
		Used:      used,
		Limit:     limit,
		Remaining: remaining(limit, used),
	}, nil
}

// Usage reports the current period counters of a user.
func (a *Accountant) Usage(ctx context.Context, userID string, plan model.Plan) (Report, error) {
	period := a.CurrentPeriod()
	counts, err := a.store.UsageCounts(ctx, userID, period)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !plan.Valid() {
		plan = model.PlanFree
	}
	report := Report{Period: period, Plan: plan, Unlimited: plan.IsPaid()}
	for _, kind := range model.UsageKinds {
		line := KindUsage{Kind: kind, Used: counts.Count(kind)}
		if !plan.IsPaid() {
			line.Limit = a.limits[kind]
			line.Remaining = remaining(line.Limit, line.Used)
		}
		report.Kinds = append(report.Kinds, line)
	}
	return report, nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// ErrLimitReached is matched by LimitError.
var ErrLimitReached = errors.New("usage limit reached")

// LimitError reports a denied reservation.
type LimitError struct {
	Decision Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("usage limit reached for %s: %d of %d used", e.Decision.Kind, e.Decision.Used, e.Decision.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitReached
}

// Reserve is CheckAndReserve turning a denial into a *LimitError.
func (a *Accountant) Reserve(ctx context.Context, userID string, kind model.UsageKind, plan model.Plan) (Decision, error) {
	d, err := a.CheckAndReserve(ctx, userID, kind, plan)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &LimitError{Decision: d}
	}
	return d, nil
}

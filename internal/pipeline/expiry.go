package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const (
	expiryLockKey = "expired-orders"
	expiryLockTTL = 55 * time.Second
)

// ExpiryStore expires orders whose validity window closed.
type ExpiryStore interface {
	ExpireOrders(ctx context.Context, now time.Time) ([]string, error)
}

// ExpirySweeper marks orders expired once their validity window closes.
// Orders can expire without any chain event, so nothing else would notice.
type ExpirySweeper struct {
	orders ExpiryStore
	locks  domain.LockManager
	queue  domain.JobQueue
	now    func() time.Time
	logger *slog.Logger
}

// NewExpirySweeper creates a new ExpirySweeper.
func NewExpirySweeper(orders ExpiryStore, locks domain.LockManager, queue domain.JobQueue, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		orders: orders,
		locks:  locks,
		queue:  queue,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "expiry")),
	}
}

// Run executes a single sweep and returns the number of expired orders.
// Only one process sweeps per lock period.
func (s *ExpirySweeper) Run(ctx context.Context) (int, error) {
	ok, err := s.locks.TryThrottle(ctx, expiryLockKey, expiryLockTTL)
	if err != nil {
		return 0, fmt.Errorf("expiry lock: %w", err)
	}
	if !ok {
		return 0, nil
	}

	now := s.now()
	ids, err := s.orders.ExpireOrders(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	prefix := "expiry-" + strconv.FormatInt(now.Unix(), 10)
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		update := domain.OrderUpdate{
			Context: prefix + "-" + id,
			ID:      id,
			Trigger: domain.Trigger{Kind: domain.TriggerExpiry},
		}
		job, err := domain.NewJob(domain.QueueOrderUpdatesID, update.Context, update)
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, job)
	}
	if err := s.queue.Enqueue(ctx, jobs...); err != nil {
		return 0, fmt.Errorf("enqueue expiry updates: %w", err)
	}

	s.logger.InfoContext(ctx, "expired orders", slog.Int("count", len(ids)))
	return len(ids), nil
}

// RunCron runs the sweeper on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "*/1 * * * *" runs every minute.
func (s *ExpirySweeper) RunCron(ctx context.Context, cronExpr string) error {
	s.logger.Info("expiry cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("expiry cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15", "*/5").
// Steps start at lo and stay below hi.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		var values []int
		for v := lo; v < hi; v += n {
			values = append(values, v)
		}
		return cronField{values: values}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 60)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 24)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2], 1, 32)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 13)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4], 0, 7)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}

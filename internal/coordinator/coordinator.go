package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jgoulah/dompoller/internal/aggregate"
	"github.com/jgoulah/dompoller/internal/pricing"
	"github.com/jgoulah/dompoller/internal/statistics"
	"github.com/jgoulah/dompoller/internal/upstream"
	"github.com/jgoulah/dompoller/pkg/models"
)

// DefaultPollInterval matches the half-hour granularity of the interval data
const DefaultPollInterval = 30 * time.Minute

// ErrReauthRequired is returned while polling is paused waiting for fresh
// credentials
var ErrReauthRequired = errors.New("re-authentication required before polling can resume")

// State names the phase a refresh cycle is in
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateAggregating State = "aggregating"
	StatePricing     State = "pricing"
	StatePublishing  State = "publishing"
	StateAuthFailed  State = "auth_failed"
)

// SnapshotPublisher receives the consolidated snapshot of each refresh cycle
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, account string, snap models.Snapshot) error
}

// StatisticsSink receives the ordered statistic batches produced by each cycle
type StatisticsSink interface {
	PushStatistics(ctx context.Context, statisticID string, points []models.StatisticPoint) error
}

// Options configures a Coordinator
type Options struct {
	Client upstream.Client
	Store  *statistics.Store

	// Publisher and Sink are optional; when nil the coordinator runs
	// store-only.
	Publisher SnapshotPublisher
	Sink      StatisticsSink

	Pricing       pricing.Config
	AccountNumber string
	MeterNumber   string
	StatisticID   string

	BackfillDays int           // Lookback for first-run backfill (default: 7)
	PollInterval time.Duration // Default: DefaultPollInterval

	// OnAuthFailed signals the external collaborator that re-authentication
	// is needed. Optional.
	OnAuthFailed func(err error)

	Logger zerolog.Logger

	// Now overrides the clock in tests
	Now func() time.Time
}

// Coordinator orchestrates refresh cycles: fetch from the upstream client,
// aggregate, price, reconcile statistics, and publish a consolidated
// snapshot. At most one cycle runs at a time; the previous snapshot stays
// published whenever a cycle fails.
type Coordinator struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	// cycleMu serializes refresh cycles
	cycleMu  sync.Mutex
	readings *aggregate.ReadingSet

	// sinkFrom is the earliest statistic hour not yet confirmed delivered to
	// the sink, carried across cycles so a sink outage is retried. Guarded by
	// cycleMu.
	sinkFrom *time.Time

	// mu guards the published snapshot and the state fields
	mu         sync.RWMutex
	snapshot   *models.Snapshot
	state      State
	authFailed bool

	refreshCh chan struct{}
}

// New creates a coordinator. The pricing config must already be validated.
func New(opts Options) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("statistics store is required")
	}
	if opts.AccountNumber == "" || opts.MeterNumber == "" {
		return nil, fmt.Errorf("account and meter numbers are required")
	}
	if opts.StatisticID == "" {
		return nil, fmt.Errorf("statistic id is required")
	}
	if err := opts.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pricing config: %w", err)
	}

	if opts.BackfillDays <= 0 {
		opts.BackfillDays = 7
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		opts:      opts,
		log:       opts.Logger,
		now:       now,
		readings:  aggregate.NewReadingSet(),
		state:     StateIdle,
		refreshCh: make(chan struct{}, 1),
	}, nil
}

// State returns the current cycle phase
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the last published snapshot. The second return is false
// until the first successful cycle completes. Callers must treat the
// snapshot as read-only.
func (c *Coordinator) Snapshot() (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return models.Snapshot{}, false
	}
	return *c.snapshot, true
}

// Refresh requests a manual refresh cycle from the Run loop. Non-blocking;
// a request while a cycle is already pending is coalesced.
func (c *Coordinator) Refresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// AuthRequired reports whether polling is paused waiting for new credentials
func (c *Coordinator) AuthRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authFailed
}

// Resume restarts scheduling after new credentials have been supplied to the
// upstream client, and queues an immediate refresh
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.authFailed = false
	c.state = StateIdle
	c.mu.Unlock()

	c.log.Info().Msg("credentials updated, resuming polling")
	c.Refresh()
}

// Run polls on a fixed schedule until the context is canceled. An immediate
// cycle runs at startup, then one per tick or manual refresh request.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.refreshCh:
		}
		c.runAndLog(ctx)
	}
}

func (c *Coordinator) runAndLog(ctx context.Context) {
	if err := c.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrReauthRequired) {
			return
		}
		c.log.Error().Err(err).Msg("refresh cycle failed, previous snapshot retained")
	}
}

// RunOnce executes a single refresh cycle. On a transient failure the cycle
// aborts and the next scheduled tick retries; on an authentication failure
// one token refresh is attempted and, if that fails too, polling pauses
// until Resume is called.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.AuthRequired() {
		return ErrReauthRequired
	}

	err := c.cycle(ctx)

	var authErr *upstream.AuthError
	if errors.As(err, &authErr) {
		c.log.Info().Msg("authentication failed, attempting token refresh")
		if _, refreshErr := c.opts.Client.RefreshTokens(ctx); refreshErr != nil {
			if errors.As(refreshErr, &authErr) {
				c.failAuth(refreshErr)
				return refreshErr
			}
			// Refresh itself hit a transient problem; retry the whole cycle
			// on the next tick.
			return fmt.Errorf("refreshing tokens: %w", refreshErr)
		}

		// Retry once with the fresh credentials
		err = c.cycle(ctx)
		if errors.As(err, &authErr) {
			c.failAuth(err)
			return err
		}
	}

	return err
}

// failAuth parks the coordinator until new credentials arrive
func (c *Coordinator) failAuth(err error) {
	c.mu.Lock()
	c.authFailed = true
	c.state = StateAuthFailed
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("authentication failed, polling paused until re-authentication")
	if c.opts.OnAuthFailed != nil {
		c.opts.OnAuthFailed(err)
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// cycle is one pass of the Fetching → Aggregating → Pricing → Publishing
// pipeline. Any error aborts before the snapshot swap.
func (c *Coordinator) cycle(ctx context.Context) error {
	fetchedAt := c.now()
	today := startOfDay(fetchedAt)
	yesterday := today.AddDate(0, 0, -1)

	// Fetching
	c.setState(StateFetching)
	defer c.setState(StateIdle)

	start, err := c.fetchStart(today)
	if err != nil {
		return err
	}

	c.log.Debug().
		Str("start", start.Format("2006-01-02")).
		Str("end", today.Format("2006-01-02")).
		Msg("fetching interval data")

	intervals, err := c.opts.Client.FetchIntervals(ctx, c.opts.AccountNumber, c.opts.MeterNumber, start, today)
	if err != nil {
		return fmt.Errorf("fetching intervals: %w", err)
	}

	billing, err := c.opts.Client.FetchBillingPeriods(ctx, c.opts.AccountNumber)
	if err != nil {
		if errors.As(err, new(*upstream.AuthError)) {
			return fmt.Errorf("fetching billing periods: %w", err)
		}
		// Billing data only feeds the api_estimate rate and the bill
		// sensors; the cycle continues without it, as the source does
		// not always have a forecast available.
		c.log.Warn().Err(err).Msg("could not fetch billing periods")
		billing = nil
	}

	// Aggregating
	c.setState(StateAggregating)
	c.readings.AddAll(intervals)

	latest, hasLatest := c.readings.Latest()
	yesterdaySummary := c.readings.DaySummary(yesterday)
	monthStart, monthEnd := aggregate.MonthRange(fetchedAt)
	monthKWh := c.readings.MonthToDate(fetchedAt)
	hourly := c.readings.HourlyTotals()

	dayReadings := c.readings.ForDay(yesterday)
	var monthReadings []models.IntervalReading
	for day := monthStart; !day.After(monthEnd); day = day.AddDate(0, 0, 1) {
		if c.readings.DaySummary(day).Complete {
			monthReadings = append(monthReadings, c.readings.ForDay(day)...)
		}
	}

	// Pricing
	c.setState(StatePricing)
	daily := pricing.Compute(dayReadings, billing, c.opts.Pricing)
	monthly := pricing.Compute(monthReadings, billing, c.opts.Pricing)

	snap := models.Snapshot{
		FetchedAt:     fetchedAt,
		MonthStart:    monthStart,
		MonthEnd:      monthEnd,
		MonthKWh:      monthKWh,
		Billing:       billing,
		MonthlyCost:   monthly.Cost,
		EffectiveRate: monthly.EffectiveRate,
		RateAvailable: monthly.RateAvailable,
	}
	if hasLatest {
		snap.Latest = &latest
	}
	// Yesterday's total and its cost are only published once the source marks
	// the day final; a partial day still feeds the latest-interval projection
	// above but must not present as a finished daily figure.
	if yesterdaySummary.Complete {
		snap.Yesterday = &yesterdaySummary
		snap.DailyCost = daily.Cost
	}

	// Publishing
	c.setState(StatePublishing)

	batch, err := c.opts.Store.Apply(c.opts.StatisticID, hourly)
	if err != nil {
		return fmt.Errorf("reconciling statistics: %w", err)
	}
	if len(batch) > 0 {
		c.log.Info().Int("points", len(batch)).Msg("statistics reconciled")
	}

	// The local series is the source of truth; a failed push is warned and
	// retried on later cycles rather than failing the cycle.
	if err := c.pushStatistics(ctx, batch); err != nil {
		c.log.Warn().Err(err).Msg("pushing statistics batch failed")
	}

	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishSnapshot(ctx, c.opts.AccountNumber, snap); err != nil {
			c.log.Warn().Err(err).Msg("publishing snapshot failed")
		}
	}

	// Swap the snapshot whole so consumers never see mixed cycles
	c.mu.Lock()
	c.snapshot = &snap
	c.mu.Unlock()

	// The month window is refetched every cycle, so completed days that have
	// fallen out of it no longer need to be held in memory
	if removed := c.readings.Prune(monthStart); removed > 0 {
		c.log.Debug().Int("readings", removed).Msg("pruned readings outside month window")
	}

	c.log.Info().
		Float64("month_kwh", monthKWh).
		Float64("monthly_cost", monthly.Cost).
		Bool("rate_available", monthly.RateAvailable).
		Msg("refresh cycle complete")

	return nil
}

// pushStatistics delivers newly reconciled points to the sink. The earliest
// undelivered hour is remembered across cycles, so a sink outage during a
// large batch (for example the first-run backfill) is re-pushed from the
// local series once the sink recovers instead of leaving a hole.
func (c *Coordinator) pushStatistics(ctx context.Context, batch []models.StatisticPoint) error {
	if c.opts.Sink == nil {
		return nil
	}

	if len(batch) > 0 && (c.sinkFrom == nil || batch[0].Start.Before(*c.sinkFrom)) {
		from := batch[0].Start
		c.sinkFrom = &from
	}
	if c.sinkFrom == nil {
		return nil
	}

	points := batch
	if len(batch) == 0 || c.sinkFrom.Before(batch[0].Start) {
		var err error
		points, err = c.opts.Store.PointsSince(c.opts.StatisticID, *c.sinkFrom)
		if err != nil {
			return fmt.Errorf("loading undelivered statistics: %w", err)
		}
	}
	if len(points) == 0 {
		c.sinkFrom = nil
		return nil
	}

	if err := c.opts.Sink.PushStatistics(ctx, c.opts.StatisticID, points); err != nil {
		return err
	}
	c.sinkFrom = nil
	return nil
}

// fetchStart picks the earliest day this cycle must fetch. The whole month
// window is always refetched so the month-to-date figure never depends on
// readings accumulated by earlier cycles or a previous process; on top of
// that the window widens to the first-run backfill, the day after the last
// persisted statistic (so missed cycles self-heal), and the earliest day the
// source still has open.
func (c *Coordinator) fetchStart(today time.Time) (time.Time, error) {
	start, _ := aggregate.MonthRange(today)

	last, err := c.opts.Store.LastPoint(c.opts.StatisticID)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading last statistic: %w", err)
	}
	if last == nil {
		c.log.Info().Int("days", c.opts.BackfillDays).Msg("no statistics yet, backfilling history")
		if backfill := today.AddDate(0, 0, -c.opts.BackfillDays); backfill.Before(start) {
			start = backfill
		}
		return start, nil
	}

	if next := startOfDay(last.Start.In(today.Location())).AddDate(0, 0, 1); next.Before(start) {
		start = next
	}

	// Any past day may still be revised until the source marks it complete
	if days := c.readings.IncompleteDays(today); len(days) > 0 && days[0].Before(start) {
		start = days[0]
	}

	return start, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoulah/dompoller/internal/pricing"
	"github.com/jgoulah/dompoller/internal/statistics"
	"github.com/jgoulah/dompoller/internal/upstream"
	"github.com/jgoulah/dompoller/pkg/models"
)

const (
	testAccount = "1234567890"
	testMeter   = "M-100"
	testStatID  = "dompoller:1234567890_energy_consumption"
)

// testNow is noon on 2026-03-10 UTC; "yesterday" is 2026-03-09
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	mu           sync.Mutex
	fetchFn      func(start, end time.Time) ([]models.IntervalReading, error)
	billingFn    func() (*models.BillingSummary, error)
	refreshFn    func() (models.Credentials, error)
	fetchRanges  [][2]time.Time
	refreshCalls int
}

func (f *fakeClient) FetchIntervals(_ context.Context, _, _ string, start, end time.Time) ([]models.IntervalReading, error) {
	f.mu.Lock()
	f.fetchRanges = append(f.fetchRanges, [2]time.Time{start, end})
	f.mu.Unlock()
	return f.fetchFn(start, end)
}

func (f *fakeClient) FetchBillingPeriods(context.Context, string) (*models.BillingSummary, error) {
	if f.billingFn == nil {
		return &models.BillingSummary{}, nil
	}
	return f.billingFn()
}

func (f *fakeClient) RefreshTokens(context.Context) (models.Credentials, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshFn == nil {
		return models.Credentials{AccessToken: "a", RefreshToken: "r"}, nil
	}
	return f.refreshFn()
}

// dayIntervals returns all 48 half-hour readings of one day at 0.5 kWh each
func dayIntervals(day time.Time, complete bool) []models.IntervalReading {
	out := make([]models.IntervalReading, 0, 48)
	for i := 0; i < 48; i++ {
		out = append(out, models.IntervalReading{
			Start:       day.Add(time.Duration(i) * 30 * time.Minute),
			KWh:         0.5,
			DayComplete: complete,
		})
	}
	return out
}

// rangeIntervals serves complete days before today and a 2-hour partial today
func rangeIntervals(start, end time.Time) ([]models.IntervalReading, error) {
	today := time.Date(testNow.Year(), testNow.Month(), testNow.Day(), 0, 0, 0, 0, time.UTC)
	var out []models.IntervalReading
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if day.Before(today) {
			out = append(out, dayIntervals(day, true)...)
		} else {
			for i := 0; i < 4; i++ {
				out = append(out, models.IntervalReading{
					Start: day.Add(time.Duration(i) * 30 * time.Minute),
					KWh:   0.5,
				})
			}
		}
	}
	return out, nil
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	batches  [][]models.StatisticPoint
}

func (s *fakeSink) PushStatistics(_ context.Context, _ string, points []models.StatisticPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("sink unavailable")
	}
	s.batches = append(s.batches, points)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []models.Snapshot
}

func (p *fakePublisher) PublishSnapshot(_ context.Context, _ string, snap models.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snap)
	return nil
}

func newTestCoordinator(t *testing.T, client upstream.Client, sink StatisticsSink, pub SnapshotPublisher) *Coordinator {
	t.Helper()

	store, err := statistics.New(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return newTestCoordinatorWithStore(t, store, client, sink, pub)
}

func newTestCoordinatorWithStore(t *testing.T, store *statistics.Store, client upstream.Client, sink StatisticsSink, pub SnapshotPublisher) *Coordinator {
	t.Helper()

	coord, err := New(Options{
		Client:        client,
		Store:         store,
		Sink:          sink,
		Publisher:     pub,
		Pricing:       pricing.Config{Mode: pricing.ModeFixed, FixedRate: 0.15},
		AccountNumber: testAccount,
		MeterNumber:   testMeter,
		StatisticID:   testStatID,
		BackfillDays:  7,
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return coord
}

func TestFirstCycleBackfillsAndPublishes(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: rangeIntervals}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	coord := newTestCoordinator(t, client, sink, pub)

	require.NoError(t, coord.RunOnce(context.Background()))

	// First run fetches the whole month window through today; the 7-day
	// backfill lookback falls inside it
	require.Len(t, client.fetchRanges, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), client.fetchRanges[0][0])
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), client.fetchRanges[0][1])

	// 9 complete days of 24 hours plus today's 2 finished hours
	require.Len(t, sink.batches, 1)
	batch := sink.batches[0]
	require.Len(t, batch, 9*24+2)
	assert.InDelta(t, 1.0, batch[0].Sum, 1e-9)
	assert.InDelta(t, 218.0, batch[len(batch)-1].Sum, 1e-9)
	for i := 1; i < len(batch); i++ {
		assert.True(t, batch[i].Sum >= batch[i-1].Sum)
	}

	snap, ok := coord.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snap.Yesterday)
	assert.InDelta(t, 24.0, snap.Yesterday.KWh, 1e-9)
	assert.True(t, snap.Yesterday.Complete)
	// Complete days Mar 1-9 fall in the current month window
	assert.InDelta(t, 216.0, snap.MonthKWh, 1e-9)
	assert.InDelta(t, 3.60, snap.DailyCost, 1e-9)
	assert.InDelta(t, 32.40, snap.MonthlyCost, 1e-9)
	assert.Equal(t, 0.15, snap.EffectiveRate)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC), snap.Latest.Start)

	require.Len(t, pub.snapshots, 1)
	assert.Equal(t, snap.MonthKWh, pub.snapshots[0].MonthKWh)
	assert.Equal(t, StateIdle, coord.State())
}

func TestSecondCycleIsIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: rangeIntervals}
	sink := &fakeSink{}
	coord := newTestCoordinator(t, client, sink, nil)

	require.NoError(t, coord.RunOnce(context.Background()))
	require.NoError(t, coord.RunOnce(context.Background()))

	// Unchanged data produces no second statistics batch
	assert.Len(t, sink.batches, 1)

	// The second fetch still spans the month window so monthly totals never
	// depend on what earlier cycles happened to accumulate
	require.Len(t, client.fetchRanges, 2)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), client.fetchRanges[1][0])
}

func TestMonthToDateSurvivesRestart(t *testing.T) {
	t.Parallel()

	store, err := statistics.New(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer store.Close()

	client := &fakeClient{fetchFn: rangeIntervals}
	first := newTestCoordinatorWithStore(t, store, client, nil, nil)
	require.NoError(t, first.RunOnce(context.Background()))

	before, ok := first.Snapshot()
	require.True(t, ok)
	assert.InDelta(t, 216.0, before.MonthKWh, 1e-9)

	// A fresh coordinator over the same database starts with an empty reading
	// set; refetching the month window keeps the monthly figures from
	// collapsing to just the catch-up range
	restarted := newTestCoordinatorWithStore(t, store, client, nil, nil)
	require.NoError(t, restarted.RunOnce(context.Background()))

	after, ok := restarted.Snapshot()
	require.True(t, ok)
	assert.InDelta(t, before.MonthKWh, after.MonthKWh, 1e-9)
	assert.InDelta(t, before.MonthlyCost, after.MonthlyCost, 1e-9)
	assert.Equal(t, before.EffectiveRate, after.EffectiveRate)
}

func TestSinkOutageRepushedNextCycle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: rangeIntervals}
	sink := &fakeSink{failures: 1}
	coord := newTestCoordinator(t, client, sink, nil)

	// The push fails mid-backfill; the cycle itself still succeeds since the
	// local series committed
	require.NoError(t, coord.RunOnce(context.Background()))
	assert.Empty(t, sink.batches)
	_, ok := coord.Snapshot()
	assert.True(t, ok)

	// The next cycle reconciles nothing new but re-delivers the undelivered
	// points from the local series
	require.NoError(t, coord.RunOnce(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 9*24+2)
	assert.InDelta(t, 218.0, sink.batches[0][len(sink.batches[0])-1].Sum, 1e-9)

	// Once delivered, nothing further is re-pushed
	require.NoError(t, coord.RunOnce(context.Background()))
	assert.Len(t, sink.batches, 1)
}

func TestIncompleteYesterdayNotPublished(t *testing.T) {
	t.Parallel()

	// The source has not finalized yesterday: 40 of 48 buckets, no flag
	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
		var out []models.IntervalReading
		for day := start; day.Before(yesterday); day = day.AddDate(0, 0, 1) {
			out = append(out, dayIntervals(day, true)...)
		}
		for i := 0; i < 40; i++ {
			out = append(out, models.IntervalReading{
				Start: yesterday.Add(time.Duration(i) * 30 * time.Minute),
				KWh:   0.5,
			})
		}
		return out, nil
	}}
	coord := newTestCoordinator(t, client, nil, nil)

	require.NoError(t, coord.RunOnce(context.Background()))

	snap, ok := coord.Snapshot()
	require.True(t, ok)
	assert.Nil(t, snap.Yesterday)
	assert.Zero(t, snap.DailyCost)

	// The partial day still drives the latest-interval projection but stays
	// out of the month-to-date figure
	require.NotNil(t, snap.Latest)
	assert.Equal(t, yesterday.Add(39*30*time.Minute), snap.Latest.Start)
	assert.InDelta(t, 192.0, snap.MonthKWh, 1e-9)
}

func TestTransientFailureRetainsSnapshot(t *testing.T) {
	t.Parallel()

	failing := false
	client := &fakeClient{fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
		if failing {
			return nil, &upstream.TransientError{StatusCode: 502}
		}
		return rangeIntervals(start, end)
	}}
	coord := newTestCoordinator(t, client, nil, nil)

	require.NoError(t, coord.RunOnce(context.Background()))
	first, ok := coord.Snapshot()
	require.True(t, ok)

	failing = true
	err := coord.RunOnce(context.Background())
	require.Error(t, err)

	// Previous snapshot still published, polling not paused
	second, ok := coord.Snapshot()
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.False(t, coord.AuthRequired())
}

func TestMalformedDataAbortsCycle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
		return nil, &upstream.MalformedDataError{Message: "bad payload"}
	}}
	sink := &fakeSink{}
	coord := newTestCoordinator(t, client, sink, nil)

	err := coord.RunOnce(context.Background())
	require.Error(t, err)

	_, ok := coord.Snapshot()
	assert.False(t, ok)
	assert.Empty(t, sink.batches)
}

func TestAuthFailureRefreshesAndRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	client := &fakeClient{fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
		calls++
		if calls == 1 {
			return nil, &upstream.AuthError{StatusCode: 401, Message: "token expired"}
		}
		return rangeIntervals(start, end)
	}}
	coord := newTestCoordinator(t, client, nil, nil)

	require.NoError(t, coord.RunOnce(context.Background()))
	assert.Equal(t, 1, client.refreshCalls)
	assert.Equal(t, 2, calls)

	_, ok := coord.Snapshot()
	assert.True(t, ok)
	assert.False(t, coord.AuthRequired())
}

func TestAuthFailurePausesPolling(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
			return nil, &upstream.AuthError{StatusCode: 401, Message: "token expired"}
		},
		refreshFn: func() (models.Credentials, error) {
			return models.Credentials{}, &upstream.AuthError{StatusCode: 401, Message: "refresh token invalid"}
		},
	}

	var signaled error
	coord := newTestCoordinator(t, client, nil, nil)
	coord.opts.OnAuthFailed = func(err error) { signaled = err }

	err := coord.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, coord.AuthRequired())
	assert.Equal(t, StateAuthFailed, coord.State())
	assert.Error(t, signaled)

	// Further cycles are refused until new credentials arrive
	err = coord.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Len(t, client.fetchRanges, 1)

	// New credentials supplied externally, scheduling resumes
	client.fetchFn = rangeIntervals
	coord.Resume()
	assert.False(t, coord.AuthRequired())
	require.NoError(t, coord.RunOnce(context.Background()))
	_, ok := coord.Snapshot()
	assert.True(t, ok)
}

func TestBillingFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		fetchFn: rangeIntervals,
		billingFn: func() (*models.BillingSummary, error) {
			return nil, &upstream.TransientError{StatusCode: 503}
		},
	}
	coord := newTestCoordinator(t, client, nil, nil)

	require.NoError(t, coord.RunOnce(context.Background()))

	snap, ok := coord.Snapshot()
	require.True(t, ok)
	assert.Nil(t, snap.Billing)
	// Fixed pricing doesn't need billing data
	assert.InDelta(t, 3.60, snap.DailyCost, 1e-9)
}

func TestRevisedDayShiftsStatistics(t *testing.T) {
	t.Parallel()

	revised := false
	client := &fakeClient{fetchFn: func(start, end time.Time) ([]models.IntervalReading, error) {
		out, _ := rangeIntervals(start, end)
		if revised {
			// The source bumps one of yesterday's buckets from 0.5 to 0.9
			for i := range out {
				if out[i].Start.Equal(time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)) {
					out[i].KWh = 0.9
				}
			}
		}
		return out, nil
	}}
	sink := &fakeSink{}
	coord := newTestCoordinator(t, client, sink, nil)

	require.NoError(t, coord.RunOnce(context.Background()))

	// Force yesterday to be refetched by marking it incomplete in the set
	coord.readings.Add(models.IntervalReading{
		Start: time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
		KWh:   0.5,
	})
	revised = true
	require.NoError(t, coord.RunOnce(context.Background()))

	require.Len(t, sink.batches, 2)
	// Everything from the revised hour forward was recomputed and re-pushed
	delta := 0.4
	last := sink.batches[1][len(sink.batches[1])-1]
	assert.InDelta(t, 218.0+delta, last.Sum, 1e-9)
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: rangeIntervals}
	coord := newTestCoordinator(t, client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	// Let the startup cycle finish, then tear down
	require.Eventually(t, func() bool {
		_, ok := coord.Snapshot()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestManualRefresh(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchFn: rangeIntervals}
	coord := newTestCoordinator(t, client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.fetchRanges) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	coord.Refresh()
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.fetchRanges) >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	store, err := statistics.New(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer store.Close()

	base := Options{
		Client:        &fakeClient{},
		Store:         store,
		Pricing:       pricing.Config{Mode: pricing.ModeFixed, FixedRate: 0.1},
		AccountNumber: testAccount,
		MeterNumber:   testMeter,
		StatisticID:   testStatID,
	}

	_, err = New(base)
	assert.NoError(t, err)

	bad := base
	bad.Client = nil
	_, err = New(bad)
	assert.Error(t, err)

	bad = base
	bad.Pricing = pricing.Config{Mode: "bogus"}
	_, err = New(bad)
	assert.Error(t, err)

	bad = base
	bad.StatisticID = ""
	_, err = New(bad)
	assert.Error(t, err)
}

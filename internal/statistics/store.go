package statistics

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jgoulah/dompoller/pkg/models"
	_ "modernc.org/sqlite"
)

const timeFormat = "2006-01-02 15:04:05"

// usageEpsilon is the tolerance below which a resubmitted hour counts as
// unchanged rather than revised
const usageEpsilon = 1e-9

// Store persists the hourly cumulative statistics series in SQLite
type Store struct {
	conn *sql.DB
}

// New creates a new statistics store and initializes the schema
func New(dbPath string) (*Store, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// initSchema creates the necessary tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statistic_id TEXT NOT NULL,
		start TEXT NOT NULL,
		kwh REAL NOT NULL,
		sum REAL NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(statistic_id, start)
	);
	CREATE INDEX IF NOT EXISTS idx_statistics_id ON statistics(statistic_id);
	CREATE INDEX IF NOT EXISTS idx_statistics_start ON statistics(statistic_id, start);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// LastPoint returns the most recent point for a statistic, or nil when the
// series is empty (first run)
func (s *Store) LastPoint(statisticID string) (*models.StatisticPoint, error) {
	query := `
	SELECT start, kwh, sum
	FROM statistics
	WHERE statistic_id = ?
	ORDER BY start DESC
	LIMIT 1
	`

	row := s.conn.QueryRow(query, statisticID)

	var point models.StatisticPoint
	var startStr string
	err := row.Scan(&startStr, &point.KWh, &point.Sum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last statistic: %w", err)
	}

	point.Start, err = time.ParseInLocation(timeFormat, startStr, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parsing start: %w", err)
	}

	return &point, nil
}

// ListPoints returns all points for a statistic in ascending timestamp order
func (s *Store) ListPoints(statisticID string) ([]models.StatisticPoint, error) {
	return s.PointsSince(statisticID, time.Time{})
}

// PointsSince returns points at or after the given time, ascending
func (s *Store) PointsSince(statisticID string, since time.Time) ([]models.StatisticPoint, error) {
	query := `
	SELECT start, kwh, sum
	FROM statistics
	WHERE statistic_id = ? AND start >= ?
	ORDER BY start ASC
	`

	rows, err := s.conn.Query(query, statisticID, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	var points []models.StatisticPoint
	for rows.Next() {
		var point models.StatisticPoint
		var startStr string
		if err := rows.Scan(&startStr, &point.KWh, &point.Sum); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		point.Start, err = time.ParseInLocation(timeFormat, startStr, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing start: %w", err)
		}

		points = append(points, point)
	}

	return points, rows.Err()
}

// DayTotal is one calendar day's usage summed from the hourly series
type DayTotal struct {
	Date  time.Time
	KWh   float64
	Hours int
}

// DayTotals sums the hourly series per calendar day, most recent first
func (s *Store) DayTotals(statisticID string) ([]DayTotal, error) {
	query := `
	SELECT substr(start, 1, 10) AS day, SUM(kwh), COUNT(*)
	FROM statistics
	WHERE statistic_id = ?
	GROUP BY day
	ORDER BY day DESC
	`

	rows, err := s.conn.Query(query, statisticID)
	if err != nil {
		return nil, fmt.Errorf("querying day totals: %w", err)
	}
	defer rows.Close()

	var totals []DayTotal
	for rows.Next() {
		var total DayTotal
		var dayStr string
		if err := rows.Scan(&dayStr, &total.KWh, &total.Hours); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		total.Date, err = time.ParseInLocation("2006-01-02", dayStr, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing day: %w", err)
		}

		totals = append(totals, total)
	}

	return totals, rows.Err()
}

// Apply reconciles incoming hourly usage against the persisted series and
// commits the result in a single transaction. It returns the points that were
// written, in ascending order, for forwarding to the statistics sink.
//
// Resubmitting unchanged hours is a no-op. When an hour's usage has been
// revised, every persisted point from that hour forward is recomputed so the
// cumulative sums stay consistent; hours after the revision that are absent
// from the incoming map keep their stored usage values.
func (s *Store) Apply(statisticID string, hourly map[time.Time]float64) ([]models.StatisticPoint, error) {
	if len(hourly) == 0 {
		return nil, nil
	}

	// Normalize incoming hours to UTC (truncated to the second, matching the
	// stored precision) so they line up with persisted points.
	incoming := make(map[time.Time]float64, len(hourly))
	for h, kwh := range hourly {
		incoming[h.UTC().Truncate(time.Second)] = kwh
	}
	hourly = incoming

	existing, err := s.ListPoints(statisticID)
	if err != nil {
		return nil, err
	}

	stored := make(map[int64]models.StatisticPoint, len(existing))
	for _, p := range existing {
		stored[p.Start.Unix()] = p
	}

	// Find the earliest hour that is new or revised. Everything before it is
	// already persisted with the same usage and needs no touch.
	var touched time.Time
	found := false
	for h, kwh := range hourly {
		p, ok := stored[h.Unix()]
		if ok && math.Abs(p.KWh-kwh) < usageEpsilon {
			continue
		}
		if !found || h.Before(touched) {
			touched = h
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	// Base sum is the last persisted sum strictly before the touched hour.
	var baseSum float64
	for _, p := range existing {
		if p.Start.Before(touched) {
			baseSum = p.Sum
		}
	}

	// Merge stored usage from the touched hour forward with the incoming
	// values, then rebuild the suffix of the series.
	merged := make(map[time.Time]float64)
	for _, p := range existing {
		if !p.Start.Before(touched) {
			merged[p.Start] = p.KWh
		}
	}
	for h, kwh := range hourly {
		if !h.Before(touched) {
			merged[h] = kwh
		}
	}

	points := Reconcile(baseSum, merged)

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO statistics (statistic_id, start, kwh, sum, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(statistic_id, start) DO UPDATE SET kwh = excluded.kwh, sum = excluded.sum
	`

	createdAt := time.Now().UTC().Format(time.RFC3339)
	for _, p := range points {
		if _, err := tx.Exec(upsert, statisticID, p.Start.UTC().Format(timeFormat), p.KWh, p.Sum, createdAt); err != nil {
			return nil, fmt.Errorf("upserting statistic: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing statistics: %w", err)
	}

	return points, nil
}

// Prune deletes points older than the cutoff, returning how many were removed
func (s *Store) Prune(statisticID string, before time.Time) (int64, error) {
	result, err := s.conn.Exec(
		`DELETE FROM statistics WHERE statistic_id = ? AND start < ?`,
		statisticID, before.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning statistics: %w", err)
	}
	return result.RowsAffected()
}

package aggregate

import (
	"sort"
	"time"

	"github.com/jgoulah/dompoller/pkg/models"
)

// ReadingSet holds the known interval readings, keyed by bucket start time.
// Re-adding a bucket replaces the previous value, so re-fetching the same
// day never double-counts.
type ReadingSet struct {
	readings map[int64]models.IntervalReading
}

// NewReadingSet creates an empty reading set
func NewReadingSet() *ReadingSet {
	return &ReadingSet{readings: make(map[int64]models.IntervalReading)}
}

// Add inserts a reading, replacing any existing reading for the same bucket
func (s *ReadingSet) Add(r models.IntervalReading) {
	s.readings[r.Start.Unix()] = r
}

// AddAll inserts a batch of readings
func (s *ReadingSet) AddAll(readings []models.IntervalReading) {
	for _, r := range readings {
		s.Add(r)
	}
}

// Len returns the number of distinct buckets known
func (s *ReadingSet) Len() int {
	return len(s.readings)
}

// Latest returns the reading with the maximum bucket start, regardless of
// whether its day is complete. Returns false when the set is empty.
func (s *ReadingSet) Latest() (models.IntervalReading, bool) {
	var latest models.IntervalReading
	found := false
	for _, r := range s.readings {
		if !found || r.Start.After(latest.Start) {
			latest = r
			found = true
		}
	}
	return latest, found
}

// ForDay returns the readings belonging to the given calendar day, in
// ascending bucket order
func (s *ReadingSet) ForDay(day time.Time) []models.IntervalReading {
	dayStart := startOfDay(day)
	var out []models.IntervalReading
	for _, r := range s.readings {
		if startOfDay(r.Start).Equal(dayStart) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// DaySummary recomputes the summary for one calendar day. The day counts as
// complete only when the source has flagged every reading in it complete.
func (s *ReadingSet) DaySummary(day time.Time) models.DaySummary {
	readings := s.ForDay(day)
	summary := models.DaySummary{Date: startOfDay(day)}
	if len(readings) == 0 {
		return summary
	}

	summary.Complete = true
	for _, r := range readings {
		summary.KWh += r.KWh
		if !r.DayComplete {
			summary.Complete = false
		}
	}
	return summary
}

// MonthRange returns the month window covered by monthly totals, given the
// current date. Only complete days count, so the window runs from the start
// of yesterday's month through yesterday; when yesterday was the last day of
// the previous month the whole window shifts back into that month.
func MonthRange(today time.Time) (start, end time.Time) {
	yesterday := startOfDay(today).AddDate(0, 0, -1)
	start = time.Date(yesterday.Year(), yesterday.Month(), 1, 0, 0, 0, 0, yesterday.Location())
	return start, yesterday
}

// MonthToDate sums usage for complete days from the start of the month window
// through yesterday. Today's partial day is never included, and neither are
// days the source has not yet marked complete.
func (s *ReadingSet) MonthToDate(today time.Time) float64 {
	start, end := MonthRange(today)

	var total float64
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		summary := s.DaySummary(day)
		if summary.Complete {
			total += summary.KWh
		}
	}
	return total
}

// IncompleteDays returns the days on or before the given date that have
// readings but are not yet marked complete by the source. These need
// refetching on the next cycle since the source may still revise them.
func (s *ReadingSet) IncompleteDays(through time.Time) []time.Time {
	seen := make(map[int64]time.Time)
	for _, r := range s.readings {
		day := startOfDay(r.Start)
		if day.After(startOfDay(through)) {
			continue
		}
		if _, ok := seen[day.Unix()]; !ok {
			seen[day.Unix()] = day
		}
	}

	var out []time.Time
	for _, day := range seen {
		if !s.DaySummary(day).Complete {
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Prune drops readings from completed days before the given date and returns
// how many were removed. Incomplete days are retained regardless of age since
// they still need to be refetched; a long-running daemon calls this each cycle
// to keep the set bounded to the current month window.
func (s *ReadingSet) Prune(before time.Time) int {
	cutoff := startOfDay(before)

	complete := make(map[int64]bool)
	for _, r := range s.readings {
		day := startOfDay(r.Start)
		if !day.Before(cutoff) {
			continue
		}
		if _, ok := complete[day.Unix()]; !ok {
			complete[day.Unix()] = s.DaySummary(day).Complete
		}
	}

	removed := 0
	for key, r := range s.readings {
		day := startOfDay(r.Start)
		if day.Before(cutoff) && complete[day.Unix()] {
			delete(s.readings, key)
			removed++
		}
	}
	return removed
}

// HourlyTotals re-buckets half-hour readings into hour-aligned totals for the
// statistics series. An hour is emitted once both of its half-hour buckets are
// present, or earlier if the source already marked the owning day complete;
// a lone half-hour of a still-open hour is held back until the hour fills in.
func (s *ReadingSet) HourlyTotals() map[time.Time]float64 {
	type hourAgg struct {
		kwh      float64
		buckets  int
		complete bool
	}
	hours := make(map[int64]*hourAgg)
	starts := make(map[int64]time.Time)

	for _, r := range s.readings {
		hourStart := r.Start.Truncate(time.Hour)
		key := hourStart.Unix()
		agg, ok := hours[key]
		if !ok {
			agg = &hourAgg{}
			hours[key] = agg
			starts[key] = hourStart
		}
		agg.kwh += r.KWh
		agg.buckets++
		if r.DayComplete {
			agg.complete = true
		}
	}

	out := make(map[time.Time]float64, len(hours))
	for key, agg := range hours {
		if agg.buckets >= 2 || agg.complete {
			out[starts[key]] = agg.kwh
		}
	}
	return out
}

// startOfDay truncates a timestamp to midnight in its own location
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

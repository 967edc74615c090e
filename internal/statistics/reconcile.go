package statistics

import (
	"sort"
	"time"

	"github.com/jgoulah/dompoller/pkg/models"
)

// Reconcile folds hourly usage into cumulative statistic points. Hours are
// processed in ascending timestamp order and each point's sum is the previous
// sum plus that hour's usage, so the series is non-decreasing by construction
// (hourly usage is never negative).
//
// lastSum is the cumulative sum persisted before the first hour in the map;
// pass 0 on first run.
func Reconcile(lastSum float64, hourly map[time.Time]float64) []models.StatisticPoint {
	if len(hourly) == 0 {
		return nil
	}

	hours := make([]time.Time, 0, len(hourly))
	for h := range hourly {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	points := make([]models.StatisticPoint, 0, len(hours))
	sum := lastSum
	for _, h := range hours {
		sum += hourly[h]
		points = append(points, models.StatisticPoint{
			Start: h,
			KWh:   hourly[h],
			Sum:   sum,
		})
	}
	return points
}

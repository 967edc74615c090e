package pricing

import (
	"fmt"
	"math"

	"github.com/jgoulah/dompoller/pkg/models"
)

// Mode selects how cost is derived from usage
type Mode string

const (
	// ModeAPIEstimate derives the rate from the last completed bill (charges / usage)
	ModeAPIEstimate Mode = "api_estimate"
	// ModeFixed applies a single configured rate to all usage
	ModeFixed Mode = "fixed"
	// ModeTimeOfUse applies peak or off-peak rates based on the hour of day
	ModeTimeOfUse Mode = "time_of_use"
)

// Default rates in $/kWh, used when the config doesn't specify them
const (
	DefaultFixedRate   = 0.12
	DefaultPeakRate    = 0.15
	DefaultOffPeakRate = 0.08
)

// DefaultPeakHours covers 2 PM through 7 PM
var DefaultPeakHours = []int{14, 15, 16, 17, 18}

// Config holds a validated pricing configuration. Exactly one mode is active;
// the per-mode fields that don't apply are ignored.
type Config struct {
	Mode        Mode
	FixedRate   float64 // ModeFixed rate, also the ModeAPIEstimate fallback
	PeakRate    float64
	OffPeakRate float64
	PeakHours   map[int]bool // Hours of day billed at PeakRate
}

// Validate checks the config for problems. Computation assumes a validated
// config, so anything invalid must be rejected here at configuration time.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeAPIEstimate, ModeFixed:
		if c.FixedRate <= 0 {
			return fmt.Errorf("fixed rate must be positive, got %g", c.FixedRate)
		}
	case ModeTimeOfUse:
		if c.PeakRate <= 0 {
			return fmt.Errorf("peak rate must be positive, got %g", c.PeakRate)
		}
		if c.OffPeakRate <= 0 {
			return fmt.Errorf("off-peak rate must be positive, got %g", c.OffPeakRate)
		}
		if len(c.PeakHours) == 0 {
			return fmt.Errorf("time-of-use mode requires at least one peak hour")
		}
		for h := range c.PeakHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("peak hour out of range: %d", h)
			}
		}
	default:
		return fmt.Errorf("unknown pricing mode: %q (available: api_estimate, fixed, time_of_use)", c.Mode)
	}
	return nil
}

// Result is the outcome of a cost computation
type Result struct {
	Cost          float64 // Total cost in dollars, rounded to cents
	EffectiveRate float64 // Derived $/kWh over the window, 0 when unavailable
	RateAvailable bool    // False when the rate can't be derived (e.g. zero usage)
}

// Compute calculates the cost of the given readings under the configured mode.
// Pure function: no I/O, no stored state. Billing may be nil; it is only
// consulted in api_estimate mode.
func Compute(readings []models.IntervalReading, billing *models.BillingSummary, cfg Config) Result {
	var total float64
	for _, r := range readings {
		total += r.KWh
	}

	switch cfg.Mode {
	case ModeFixed:
		return Result{
			Cost:          roundCents(total * cfg.FixedRate),
			EffectiveRate: cfg.FixedRate,
			RateAvailable: true,
		}

	case ModeAPIEstimate:
		rate, ok := DerivedRate(billing)
		if !ok {
			// No bill to derive from (or zero usage on it), fall back to the
			// configured fixed rate but report the rate as unavailable.
			return Result{
				Cost:          roundCents(total * cfg.FixedRate),
				RateAvailable: false,
			}
		}
		return Result{
			Cost:          roundCents(total * rate),
			EffectiveRate: rate,
			RateAvailable: true,
		}

	case ModeTimeOfUse:
		var cost float64
		for _, r := range readings {
			if cfg.PeakHours[r.Start.Hour()] {
				cost += r.KWh * cfg.PeakRate
			} else {
				cost += r.KWh * cfg.OffPeakRate
			}
		}
		res := Result{Cost: roundCents(cost)}
		if total > 0 {
			res.EffectiveRate = cost / total
			res.RateAvailable = true
		}
		return res
	}

	// Unreachable with a validated config
	return Result{}
}

// DerivedRate returns the $/kWh rate implied by the last completed bill.
// Returns false when no completed bill is available or its usage is zero,
// which would otherwise be a division by zero.
func DerivedRate(billing *models.BillingSummary) (float64, bool) {
	if billing == nil || billing.Last == nil {
		return 0, false
	}
	if billing.Last.KWh <= 0 {
		return 0, false
	}
	return billing.Last.Charges / billing.Last.KWh, true
}

// roundCents rounds a dollar amount to two decimal places
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

package models

import "time"

// IntervalReading represents a single half-hour electricity usage measurement
type IntervalReading struct {
	Start       time.Time `json:"start"`        // Start of the half-hour bucket
	KWh         float64   `json:"kwh"`          // Usage for the bucket, never negative
	DayComplete bool      `json:"day_complete"` // Whether the source considers the owning day final
}

// DaySummary represents one calendar day's usage, derived from interval readings
type DaySummary struct {
	Date     time.Time `json:"date"` // Just the date (midnight local)
	KWh      float64   `json:"kwh"`
	Complete bool      `json:"complete"`
	Charge   float64   `json:"charge,omitempty"` // Source-reported charge, 0 when not provided
}

// BillingPeriod represents one billing cycle as reported by the utility
type BillingPeriod struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end,omitempty"` // Zero for the open current period
	KWh     float64   `json:"kwh"`
	Charges float64   `json:"charges"`
}

// BillingSummary holds the current and most recently completed billing periods
type BillingSummary struct {
	Current *BillingPeriod `json:"current,omitempty"`
	Last    *BillingPeriod `json:"last,omitempty"`
}

// StatisticPoint is one hour of the cumulative consumption series
type StatisticPoint struct {
	Start time.Time `json:"start"` // Hour-aligned bucket start
	KWh   float64   `json:"kwh"`   // Usage within the hour
	Sum   float64   `json:"sum"`   // Running cumulative total
}

// Credentials is the token pair used to authenticate against the utility API
type Credentials struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
}

// Snapshot is the consolidated result of one refresh cycle. Consumers receive
// copies and must treat it as read-only.
type Snapshot struct {
	FetchedAt time.Time `json:"fetched_at"`

	Latest    *IntervalReading `json:"latest,omitempty"`
	Yesterday *DaySummary      `json:"yesterday,omitempty"`

	MonthStart time.Time `json:"month_start"`
	MonthEnd   time.Time `json:"month_end"` // Last complete day covered by MonthKWh
	MonthKWh   float64   `json:"month_kwh"`

	Billing *BillingSummary `json:"billing,omitempty"`

	DailyCost     float64 `json:"daily_cost"`
	MonthlyCost   float64 `json:"monthly_cost"`
	EffectiveRate float64 `json:"effective_rate"`
	RateAvailable bool    `json:"rate_available"`
}

// LatestKWh returns the most recent interval usage, or 0 if none is known
func (s *Snapshot) LatestKWh() float64 {
	if s.Latest == nil {
		return 0
	}
	return s.Latest.KWh
}

package types

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/gmpusage/pkg/value"
)

// Names of the best-effort sub-results. They are also the keys used in
// PollingResult.Errors.
const (
	ResultMonthly        = "monthly"
	ResultDaily          = "daily"
	ResultSelectedHourly = "selected_hourly"
	ResultEVDaily        = "ev_daily"
)

// UsageSummary is today's hourly usage totalled.
type UsageSummary struct {
	HourlyValues []value.Value `json:"hourly_values"`
	TodayTotal   float64       `json:"today_total"`
	LastHourKWH  float64       `json:"last_hour_kwh"`
}

// PollingResult is everything gathered by one update cycle. It is rebuilt
// from scratch every cycle.
type PollingResult struct {
	UsageSummary

	Status         value.Value `json:"status"`
	Monthly        value.Value `json:"monthly"`
	Daily          value.Value `json:"daily"`
	SelectedHourly value.Value `json:"selected_hourly"`
	EVDaily        value.Value `json:"ev_daily"`

	SelectedDate civil.Date `json:"selected_date"`
	// Errors maps a sub-result name to the message of its failed fetch.
	Errors map[string]string `json:"errors"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Section returns the named best-effort sub-result.
func (r PollingResult) Section(name string) (value.Value, bool) {
	switch name {
	case ResultMonthly:
		return r.Monthly, true
	case ResultDaily:
		return r.Daily, true
	case ResultSelectedHourly:
		return r.SelectedHourly, true
	case ResultEVDaily:
		return r.EVDaily, true
	}
	return value.Value{}, false
}

// SetSection stores v as the named best-effort sub-result. Unknown names are
// ignored and reported with false.
func (r *PollingResult) SetSection(name string, v value.Value) bool {
	switch name {
	case ResultMonthly:
		r.Monthly = v
	case ResultDaily:
		r.Daily = v
	case ResultSelectedHourly:
		r.SelectedHourly = v
	case ResultEVDaily:
		r.EVDaily = v
	default:
		return false
	}
	return true
}

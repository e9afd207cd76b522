package types

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/gmpusage/pkg/value"
)

// Metrics are the presentation-ready values derived from a PollingResult.
// Nil pointers mean the value could not be derived.
type Metrics struct {
	AccountID string    `json:"accountID"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`

	TodayEnergy float64       `json:"todayEnergy"`
	TodayHourly []value.Value `json:"todayHourly"`
	LastHour    float64       `json:"lastHour"`

	AccountStatus *string     `json:"accountStatus"`
	PowerStatus   *string     `json:"powerStatus"`
	Status        value.Value `json:"status"`

	Daily   UsagePeriod `json:"daily"`
	Monthly UsagePeriod `json:"monthly"`

	SelectedDay SelectedDay `json:"selectedDay"`

	EVPeriod      EVPeriod      `json:"evPeriod"`
	EVSelectedDay EVSelectedDay `json:"evSelectedDay"`
}

// UsagePeriod is the latest reading of a daily or monthly series.
type UsagePeriod struct {
	Latest     *float64      `json:"latest"`
	Start      value.Value   `json:"start"`
	End        value.Value   `json:"end"`
	Values     []value.Value `json:"values"`
	FetchError string        `json:"fetchError,omitempty"`
}

// SelectedDay totals the hourly usage of the selected date.
type SelectedDay struct {
	Date       civil.Date    `json:"date"`
	Total      *float64      `json:"total"`
	Values     []value.Value `json:"values"`
	FetchError string        `json:"fetchError,omitempty"`
}

// EVPeriod is the EV charging summary of the current month.
type EVPeriod struct {
	Consumption *float64    `json:"consumption"`
	Cost        *float64    `json:"cost"`
	Details     value.Value `json:"details"`
	FetchError  string      `json:"fetchError,omitempty"`
}

// EVSelectedDay is the EV charging record of the selected date.
type EVSelectedDay struct {
	Date        civil.Date  `json:"date"`
	Consumption *float64    `json:"consumption"`
	Cost        *float64    `json:"cost"`
	Details     value.Value `json:"details"`
}

package metrics

import (
	"cloud.google.com/go/civil"
	"github.com/raterudder/gmpusage/pkg/gmp"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

// attributes copied from the EV interval and from the selected EV day
var (
	evPeriodKeys = []string{
		"start", "end",
		"totalCost", "totalSavings", "totalChargeTime",
		"totalOnPeakConsumption", "totalOffPeakConsumption",
		"totalOnPeakCost", "totalOffPeakCost",
	}
	evDayKeys = []string{
		"cost", "savings", "duration",
		"onPeakConsumed", "offPeakConsumed",
		"onPeakCost", "offPeakCost",
		"onPeakDuration", "offPeakDuration",
	}
)

// Compute derives every metric from r. available is false when the last
// update cycle failed and r is stale.
func Compute(accountID string, r types.PollingResult, available bool) types.Metrics {
	m := types.Metrics{
		AccountID:   accountID,
		Available:   available,
		UpdatedAt:   r.UpdatedAt,
		TodayEnergy: r.TodayTotal,
		TodayHourly: gmp.StripUsageValues(r.HourlyValues),
		LastHour:    r.LastHourKWH,
		Status:      r.Status,
	}
	if m.Status.Kind() != value.Object {
		m.Status = value.EmptyObject()
	}

	if s, ok := AccountStatus(r.Status); ok {
		m.AccountStatus = &s
	}
	if s := gmp.PowerStatus(r.Status); s != "" {
		m.PowerStatus = &s
	}

	m.Daily = Period(r.Daily, r.Errors[types.ResultDaily])
	m.Monthly = Period(r.Monthly, r.Errors[types.ResultMonthly])

	m.SelectedDay = types.SelectedDay{
		Date:       r.SelectedDate,
		Values:     gmp.StripUsageValues(gmp.UsageValues(r.SelectedHourly)),
		FetchError: r.Errors[types.ResultSelectedHourly],
	}
	if total, ok := SelectedDayTotal(r.SelectedHourly); ok {
		m.SelectedDay.Total = &total
	}

	m.EVPeriod = EVPeriod(r.EVDaily)
	m.EVPeriod.FetchError = r.Errors[types.ResultEVDaily]
	m.EVSelectedDay = EVSelectedDay(r.EVDaily, r.SelectedDate)
	return m
}

// AccountStatus is "active" or "inactive", false when there is no status.
func AccountStatus(status value.Value) (string, bool) {
	if status.Len() == 0 {
		return "", false
	}
	if active, _ := status.Get("active"); active.Truthy() {
		return "active", true
	}
	return "inactive", true
}

// Period returns the newest consumed (or consumedTotal) reading of a usage
// series along with its bounds.
func Period(data value.Value, fetchErr string) types.UsagePeriod {
	values := gmp.UsageValues(data)
	start, end := gmp.IntervalBounds(data)
	p := types.UsagePeriod{
		Start:      start,
		End:        end,
		Values:     gmp.StripUsageValues(values),
		FetchError: fetchErr,
	}
	if f, ok := gmp.LatestNumeric(values, "consumed", "consumedTotal"); ok {
		p.Latest = &f
	}
	return p
}

// SelectedDayTotal sums the consumed values of the selected day. When no
// record has a numeric consumed the newest consumedTotal is used instead.
func SelectedDayTotal(selected value.Value) (float64, bool) {
	values := gmp.UsageValues(selected)
	if len(values) == 0 {
		return 0, false
	}

	var total float64
	var seen bool
	for _, v := range values {
		consumed, _ := v.Get("consumed")
		if f, ok := consumed.Float(); ok {
			total += f
			seen = true
		}
	}
	if seen {
		return gmp.Round(total, 2), true
	}

	if f, ok := gmp.LatestNumeric(values, "consumedTotal"); ok {
		return gmp.Round(f, 2), true
	}
	return 0, false
}

// evInterval is the first interval of an EV response, only if it is an
// object.
func evInterval(evDaily value.Value) (value.Value, bool) {
	intervals, _ := evDaily.Get("intervals")
	first, ok := intervals.Index(0)
	if !ok || first.Kind() != value.Object {
		return value.Value{}, false
	}
	return first, true
}

// EVPeriod returns the EV totals of the current month.
func EVPeriod(evDaily value.Value) types.EVPeriod {
	interval, ok := evInterval(evDaily)
	if !ok {
		interval = value.EmptyObject()
	}
	details := attributes(interval, evPeriodKeys...)
	rates, _ := evDaily.Get("rates")
	details = value.ObjectValue(append(pairs(details), value.Pair{Key: "rates", Value: rates})...)

	p := types.EVPeriod{Details: details}
	if !ok {
		return p
	}
	p.Consumption = number(interval, "totalConsumption")
	p.Cost = number(interval, "totalCost")
	return p
}

// EVSelectedDay returns the EV record of day.
func EVSelectedDay(evDaily value.Value, day civil.Date) types.EVSelectedDay {
	d := types.EVSelectedDay{Date: day}
	var iso string
	if day.IsValid() {
		iso = day.String()
	}

	item, ok := gmp.EVDayValue(evDaily, iso)
	if !ok {
		d.Details = attributes(value.EmptyObject(), evDayKeys...)
		return d
	}
	d.Details = attributes(item, evDayKeys...)
	d.Consumption = number(item, "consumed")
	d.Cost = number(item, "cost")
	return d
}

// attributes returns an object with every key of keys, null when v lacks it.
func attributes(v value.Value, keys ...string) value.Value {
	ps := make([]value.Pair, 0, len(keys))
	for _, k := range keys {
		item, _ := v.Get(k)
		ps = append(ps, value.Pair{Key: k, Value: item})
	}
	return value.ObjectValue(ps...)
}

func pairs(v value.Value) []value.Pair {
	ps := make([]value.Pair, 0, v.Len())
	for _, k := range v.Keys() {
		item, _ := v.Get(k)
		ps = append(ps, value.Pair{Key: k, Value: item})
	}
	return ps
}

func number(v value.Value, key string) *float64 {
	item, _ := v.Get(key)
	f, ok := item.Float()
	if !ok {
		return nil
	}
	return &f
}

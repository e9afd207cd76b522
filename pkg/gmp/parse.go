package gmp

import (
	"github.com/raterudder/gmpusage/pkg/value"
)

// usageKeys mark an object as a usage record.
var usageKeys = []string{"consumed", "consumedTotal", "date"}

// FirstInterval returns the first object in data's intervals list.
func FirstInterval(data value.Value) (value.Value, bool) {
	intervals, _ := data.Get("intervals")
	items, _ := intervals.Array()
	for _, item := range items {
		if item.Kind() == value.Object {
			return item, true
		}
	}
	return value.Value{}, false
}

// IntervalBounds returns the start and end of the first interval, null when
// absent.
func IntervalBounds(data value.Value) (value.Value, value.Value) {
	interval, ok := FirstInterval(data)
	if !ok {
		return value.Value{}, value.Value{}
	}
	start, _ := interval.Get("start")
	end, _ := interval.Get("end")
	return start, end
}

func objects(v value.Value) ([]value.Value, bool) {
	items, ok := v.Array()
	if !ok {
		return nil, false
	}
	out := []value.Value{}
	for _, item := range items {
		if item.Kind() == value.Object {
			out = append(out, item)
		}
	}
	return out, true
}

// UsageValues finds the usage records of a response, trying in order: the
// first interval's values, a top-level values list, a nested data object
// and finally the first list of objects that look like usage records.
func UsageValues(data value.Value) []value.Value {
	if data.Len() == 0 {
		return nil
	}

	if interval, ok := FirstInterval(data); ok {
		values, _ := interval.Get("values")
		if out, ok := objects(values); ok {
			return out
		}
	}

	values, _ := data.Get("values")
	if out, ok := objects(values); ok {
		return out
	}

	if nested, ok := data.Get("data"); ok && nested.Kind() == value.Object {
		return UsageValues(nested)
	}

	for _, key := range data.Keys() {
		item, _ := data.Get(key)
		switch item.Kind() {
		case value.Object:
			if out := UsageValues(item); len(out) > 0 {
				return out
			}
		case value.Array:
			if looksLikeUsage(item) {
				out, _ := item.Array()
				return out
			}
		}
	}
	return nil
}

// looksLikeUsage reports whether v is a non-empty list made only of objects
// with at least one carrying a usage key.
func looksLikeUsage(v value.Value) bool {
	items, _ := v.Array()
	if len(items) == 0 {
		return false
	}
	var found bool
	for _, item := range items {
		if item.Kind() != value.Object {
			return false
		}
		for _, k := range usageKeys {
			if item.Has(k) {
				found = true
			}
		}
	}
	return found
}

// LatestNumeric walks values newest first and returns the first numeric
// value found under any of keys, checked in order for each record.
func LatestNumeric(values []value.Value, keys ...string) (float64, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		for _, k := range keys {
			item, _ := values[i].Get(k)
			if f, ok := item.Float(); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// StripUsageValues keeps only date, consumed and consumedTotal of each
// record.
func StripUsageValues(values []value.Value) []value.Value {
	out := make([]value.Value, 0, len(values))
	for _, v := range values {
		if v.Kind() != value.Object {
			continue
		}
		out = append(out, v.Pick(usageKeys...))
	}
	return out
}

// PowerStatus is "off" when the meter is off, "partial" when partially off
// and "on" otherwise. An empty status gives "".
func PowerStatus(status value.Value) string {
	if status.Len() == 0 {
		return ""
	}
	if off, _ := status.Get("meterOff"); off.Truthy() {
		return "off"
	}
	if partial, _ := status.Get("partialMeterOff"); partial.Truthy() {
		return "partial"
	}
	return "on"
}

// EVDayValue returns the EV record of the first interval whose date starts
// with the ISO date day.
func EVDayValue(evDaily value.Value, day string) (value.Value, bool) {
	if day == "" {
		return value.Value{}, false
	}
	intervals, _ := evDaily.Get("intervals")
	first, ok := intervals.Index(0)
	if !ok || first.Kind() != value.Object {
		return value.Value{}, false
	}
	values, _ := first.Get("values")
	items, _ := values.Array()
	for _, item := range items {
		date, _ := item.Get("date")
		s, ok := date.Str()
		if !ok {
			continue
		}
		if len(s) > len(day) {
			s = s[:len(day)]
		}
		if s == day {
			return item, true
		}
	}
	return value.Value{}, false
}

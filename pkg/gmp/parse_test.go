package gmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageValues(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		dates []string
	}{
		{name: "Empty", body: `{}`},
		{name: "Interval", body: `{"intervals":[{"values":[{"date":"a"},5,{"date":"b"}]}],"values":[{"date":"x"}]}`, dates: []string{"a", "b"}},
		{name: "TopLevel", body: `{"values":[{"date":"a"}]}`, dates: []string{"a"}},
		{name: "NestedData", body: `{"data":{"intervals":[{"values":[{"date":"n"}]}]}}`, dates: []string{"n"}},
		{name: "FirstUsageList", body: `{"meta":[{"x":1}],"records":[{"consumed":1,"date":"r"}]}`, dates: []string{"r"}},
		{name: "NestedObject", body: `{"wrapper":{"values":[{"date":"w"}]}}`, dates: []string{"w"}},
		{name: "MixedListIgnored", body: `{"records":[{"consumed":1},"x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := UsageValues(mustParse(t, tt.body))
			require.Len(t, values, len(tt.dates))
			for i, v := range values {
				date, _ := v.Get("date")
				s, _ := date.Str()
				assert.Equal(t, tt.dates[i], s)
			}
		})
	}
}

func TestIntervalBounds(t *testing.T) {
	start, end := IntervalBounds(mustParse(t, `{"intervals":[{"start":"2026-10-01","end":"2026-10-31"}]}`))
	s, _ := start.Str()
	e, _ := end.Str()
	assert.Equal(t, "2026-10-01", s)
	assert.Equal(t, "2026-10-31", e)

	start, end = IntervalBounds(mustParse(t, `{}`))
	assert.True(t, start.IsNull())
	assert.True(t, end.IsNull())
}

func TestLatestNumeric(t *testing.T) {
	values := UsageValues(mustParse(t, `{"values":[
		{"consumed":1},
		{"consumed":2,"consumedTotal":7},
		{"consumed":"pending"}
	]}`))

	f, ok := LatestNumeric(values, "consumed")
	require.True(t, ok)
	assert.Equal(t, 2.0, f)

	f, ok = LatestNumeric(values, "consumedTotal", "consumed")
	require.True(t, ok)
	assert.Equal(t, 7.0, f)

	_, ok = LatestNumeric(values, "missing")
	assert.False(t, ok)

	_, ok = LatestNumeric(nil, "consumed")
	assert.False(t, ok)
}

func TestStripUsageValues(t *testing.T) {
	values := UsageValues(mustParse(t, `{"values":[{"date":"d","consumed":1,"temp":50,"consumedTotal":3}]}`))
	out := StripUsageValues(values)
	require.Len(t, out, 1)
	assert.Equal(t, `{"consumed":1,"consumedTotal":3,"date":"d"}`, out[0].String())
}

func TestPowerStatus(t *testing.T) {
	assert.Equal(t, "", PowerStatus(mustParse(t, `{}`)))
	assert.Equal(t, "off", PowerStatus(mustParse(t, `{"meterOff":true,"partialMeterOff":true}`)))
	assert.Equal(t, "partial", PowerStatus(mustParse(t, `{"meterOff":false,"partialMeterOff":1}`)))
	assert.Equal(t, "on", PowerStatus(mustParse(t, `{"meterOff":false}`)))
}

func TestEVDayValue(t *testing.T) {
	data := mustParse(t, `{"intervals":[{"values":[
		{"date":"2026-10-01T00:00:00","energy":1.2},
		{"date":"2026-10-02","energy":3.4},
		{"energy":9}
	]}]}`)

	v, ok := EVDayValue(data, "2026-10-02")
	require.True(t, ok)
	energy, _ := v.Get("energy")
	f, _ := energy.Float()
	assert.Equal(t, 3.4, f)

	_, ok = EVDayValue(data, "2026-10-01")
	assert.True(t, ok)

	_, ok = EVDayValue(data, "2026-10-03")
	assert.False(t, ok)

	_, ok = EVDayValue(data, "")
	assert.False(t, ok)

	_, ok = EVDayValue(mustParse(t, `{}`), "2026-10-01")
	assert.False(t, ok)
}

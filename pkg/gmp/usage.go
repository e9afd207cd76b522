package gmp

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

const (
	isoDate     = "2006-01-02"
	isoDateTime = "2006-01-02T15:04:05-07:00"
)

func rangeParams(startKey, endKey string, start, end time.Time, layout string, withTemp bool) url.Values {
	p := url.Values{}
	p.Set(startKey, start.Format(layout))
	p.Set(endKey, end.Format(layout))
	if withTemp {
		p.Set("temp", tempUnit)
	}
	return p
}

func tempParams() url.Values {
	p := url.Values{}
	p.Set("temp", tempUnit)
	return p
}

// monthBounds returns local midnight of the first day of t's month and
// 23:59:59 of its last day.
func monthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := time.Date(t.Year(), t.Month()+1, 0, 23, 59, 59, 0, t.Location())
	return start, end
}

// GetAccountStatus returns the raw status document of the account.
func (c *Client) GetAccountStatus(ctx context.Context, accountID string) (value.Value, error) {
	return c.getJSON(ctx, get(nil, "accounts", accountID, "status"), true)
}

func (c *Client) monthlyVariants(accountID string) []endpoint {
	now := c.now().In(c.loc)
	// AddDate would normalize the day, only the month matters here
	start := time.Date(now.Year(), now.Month()-12, 1, 0, 0, 0, 0, c.loc)
	_, end := monthBounds(now)

	base := []string{"usage", accountID, "monthly"}
	return []endpoint{
		get(nil, base...),
		get(tempParams(), base...),
		get(rangeParams("startDate", "endDate", start, end, isoDate, true), base...),
		get(rangeParams("startDate", "endDate", start, end, isoDateTime, true), base...),
	}
}

// GetMonthlyUsage returns the last 12 months of usage through the end of
// the current month. The accepted query shape varies so several are tried.
func (c *Client) GetMonthlyUsage(ctx context.Context, accountID string) (value.Value, error) {
	return c.probe(ctx, "monthly", c.monthlyVariants(accountID))
}

func (c *Client) dailyVariants(accountID string) []endpoint {
	start, end := monthBounds(c.now().In(c.loc))

	base := []string{"usage", accountID, "daily"}
	return []endpoint{
		get(tempParams(), base...),
		get(nil, base...),
		get(rangeParams("startDate", "endDate", start, end, isoDate, true), base...),
		get(rangeParams("startDate", "endDate", start, end, isoDateTime, true), base...),
	}
}

// GetDailyUsage returns daily usage for the current month.
func (c *Client) GetDailyUsage(ctx context.Context, accountID string) (value.Value, error) {
	return c.probe(ctx, "daily", c.dailyVariants(accountID))
}

func (c *Client) evDailyVariants(accountID string) []endpoint {
	start, end := monthBounds(c.now().In(c.loc))

	base := []string{"device", "account", accountID, "ev", "energy", "daily"}
	return []endpoint{
		get(rangeParams("startDate", "endDate", start, end, isoDate, false), base...),
		get(rangeParams("startDate", "endDate", start, end, isoDateTime, false), base...),
		get(rangeParams("start", "end", start, end, isoDateTime, false), base...),
		get(rangeParams("start", "end", start, end, isoDate, false), base...),
	}
}

// GetEVEnergyDaily returns per-day EV charging energy for the current month.
func (c *Client) GetEVEnergyDaily(ctx context.Context, accountID string) (value.Value, error) {
	return c.probe(ctx, "ev_daily", c.evDailyVariants(accountID))
}

// GetHourly returns hourly usage between start and end.
func (c *Client) GetHourly(ctx context.Context, accountID string, start, end time.Time) (value.Value, error) {
	return c.getJSON(ctx, get(rangeParams("startDate", "endDate", start, end, isoDateTime, true), "usage", accountID, "hourly"), true)
}

// GetHourlyForDay returns hourly usage for a whole local calendar day.
func (c *Client) GetHourlyForDay(ctx context.Context, accountID string, day civil.Date) (value.Value, error) {
	start := day.In(c.loc)
	end := time.Date(day.Year, day.Month, day.Day, 23, 59, 59, 0, c.loc)
	return c.GetHourly(ctx, accountID, start, end)
}

// GetUsageSummary fetches today's hourly usage and totals it.
func (c *Client) GetUsageSummary(ctx context.Context, accountID string) (types.UsageSummary, error) {
	now := c.now().In(c.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)

	data, err := c.GetHourly(ctx, accountID, start, now)
	if err != nil {
		return types.UsageSummary{}, err
	}

	summary := SummarizeHourly(data)
	log.Ctx(ctx).DebugContext(
		ctx,
		"gmp usage summary",
		slog.Float64("todayTotal", summary.TodayTotal),
		slog.Float64("lastHourKWH", summary.LastHourKWH),
		slog.Int("values", len(summary.HourlyValues)),
	)
	return summary, nil
}

// SummarizeHourly totals the consumed values of the first interval of an
// hourly response. Entries without a numeric consumed are skipped and a
// response without intervals yields zeros.
func SummarizeHourly(data value.Value) types.UsageSummary {
	summary := types.UsageSummary{HourlyValues: []value.Value{}}

	intervals, _ := data.Get("intervals")
	first, ok := intervals.Index(0)
	if !ok {
		return summary
	}

	values, _ := first.Get("values")
	items, _ := values.Array()

	var total, last float64
	for _, item := range items {
		consumed, _ := item.Get("consumed")
		if f, ok := consumed.Float(); ok {
			total += f
			last = f
		}
	}

	if items != nil {
		summary.HourlyValues = items
	}
	summary.TodayTotal = Round(total, 2)
	summary.LastHourKWH = Round(last, 3)
	return summary
}

// Round rounds f to the given number of decimal places. Exact halves of
// the binary value round to even.
func Round(f float64, places int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(f, 'f', places, 64), 64)
	if err != nil {
		return f
	}
	return r
}

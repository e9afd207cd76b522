package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/types"
)

const measurement = "gmp_usage"

// InfluxConfig holds the flags of the optional InfluxDB export.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// ConfiguredInflux registers the influx flags.
func ConfiguredInflux() *InfluxConfig {
	c := &InfluxConfig{}
	url := lflag.String("influx-url", "", "InfluxDB URL to export metrics to, disabled when empty")
	token := lflag.String("influx-token", "", "InfluxDB API token")
	org := lflag.String("influx-org", "", "InfluxDB organization")
	bucket := lflag.String("influx-bucket", "gmp", "InfluxDB bucket")
	lflag.Do(func() {
		c.URL = *url
		c.Token = *token
		c.Org = *org
		c.Bucket = *bucket
	})
	return c
}

// Enabled reports whether an InfluxDB URL was configured.
func (c *InfluxConfig) Enabled() bool {
	return c != nil && c.URL != ""
}

// Exporter writes one point per successful update cycle to InfluxDB.
type Exporter struct {
	client    influxdb2.Client
	writer    api.WriteAPIBlocking
	accountID string
}

// NewExporter returns an Exporter writing points tagged with accountID.
func NewExporter(cfg *InfluxConfig, accountID string) *Exporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Exporter{
		client:    client,
		writer:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		accountID: accountID,
	}
}

// Export writes m as a single point.
func (e *Exporter) Export(ctx context.Context, m types.Metrics) error {
	fields := map[string]interface{}{
		"today_total":   m.TodayEnergy,
		"last_hour_kwh": m.LastHour,
		"available":     m.Available,
	}
	optional := map[string]*float64{
		"daily_latest":                m.Daily.Latest,
		"monthly_latest":              m.Monthly.Latest,
		"selected_day_total":          m.SelectedDay.Total,
		"ev_period_consumption":       m.EVPeriod.Consumption,
		"ev_period_cost":              m.EVPeriod.Cost,
		"ev_selected_day_consumption": m.EVSelectedDay.Consumption,
		"ev_selected_day_cost":        m.EVSelectedDay.Cost,
	}
	for k, v := range optional {
		if v != nil {
			fields[k] = *v
		}
	}

	tags := map[string]string{"account": m.AccountID}
	if m.PowerStatus != nil {
		tags["power_status"] = *m.PowerStatus
	}

	ts := m.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	if err := e.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("error writing to influxdb: %w", err)
	}
	return nil
}

// OnUpdate exports the metrics of a finished cycle. It is meant to be added
// as a coordinator listener.
func (e *Exporter) OnUpdate(ctx context.Context, r types.PollingResult) {
	if err := e.Export(ctx, Compute(e.accountID, r, true)); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to export metrics", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "exported metrics to influxdb")
}

// Close releases the underlying client.
func (e *Exporter) Close() {
	e.client.Close()
}

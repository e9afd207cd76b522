package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	accountID := lflag.String("account-id", "1234567", "Account to seed snapshots for")
	seedRange := lflag.Duration("seed-range", 48*time.Hour, "How far back from now to seed hourly snapshots")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock snapshots")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const (
		BaseKWH    = 0.4
		EveningKWH = 1.2
	)

	now := time.Now()
	start := now.Add(-*seedRange).Truncate(time.Hour)

	var (
		day     civil.Date
		hourly  []value.Value
		total   float64
		written int
	)
	for t := start; t.Before(now); t = t.Add(time.Hour) {
		if d := civil.DateOf(t); d != day {
			day = d
			hourly = nil
			total = 0
		}

		// usage follows a daily curve peaking in the evening
		hour := t.Hour()
		kwh := BaseKWH + EveningKWH*math.Exp(-math.Pow(float64(hour)-19, 2)/8)
		kwh += rng.Float64() * 0.2
		kwh = math.Round(kwh*1000) / 1000
		total += kwh

		hourly = append(hourly, value.ObjectValue(
			value.Pair{Key: "date", Value: value.StringValue(t.Format("2006-01-02T15:04:05-07:00"))},
			value.Pair{Key: "consumed", Value: value.NumberValue(kwh)},
		))

		status := value.ObjectValue(
			value.Pair{Key: "active", Value: value.BoolValue(true)},
			value.Pair{Key: "meterOff", Value: value.BoolValue(false)},
			value.Pair{Key: "partialMeterOff", Value: value.BoolValue(rng.Float64() < 0.05)},
		)

		result := types.PollingResult{
			UsageSummary: types.UsageSummary{
				HourlyValues: append([]value.Value(nil), hourly...),
				TodayTotal:   math.Round(total*100) / 100,
				LastHourKWH:  kwh,
			},
			Status:         status,
			Monthly:        value.EmptyObject(),
			Daily:          value.EmptyObject(),
			SelectedHourly: value.EmptyObject(),
			EVDaily:        value.EmptyObject(),
			SelectedDate:   day,
			Errors:         map[string]string{},
			UpdatedAt:      t.Add(59 * time.Minute),
		}
		if err := s.InsertSnapshot(ctx, *accountID, result); err != nil {
			panic(fmt.Errorf("failed to insert snapshot: %w", err))
		}
		written++
	}

	log.Ctx(ctx).InfoContext(ctx, fmt.Sprintf("seeded %d snapshots", written))
}

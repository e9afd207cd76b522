package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/gmpusage/pkg/gmp"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

// DefaultInterval is how often Run polls when no interval is configured.
const DefaultInterval = 300 * time.Second

// ErrUpdateFailed wraps the client error that aborted a cycle.
var ErrUpdateFailed = errors.New("gmp update failed")

// Fetcher is the part of *gmp.Client polled every cycle.
type Fetcher interface {
	GetUsageSummary(ctx context.Context, accountID string) (types.UsageSummary, error)
	GetAccountStatus(ctx context.Context, accountID string) (value.Value, error)
	GetMonthlyUsage(ctx context.Context, accountID string) (value.Value, error)
	GetDailyUsage(ctx context.Context, accountID string) (value.Value, error)
	GetHourlyForDay(ctx context.Context, accountID string, day civil.Date) (value.Value, error)
	GetEVEnergyDaily(ctx context.Context, accountID string) (value.Value, error)
}

// Config holds the polling flags.
type Config struct {
	Interval time.Duration
}

// Configured registers the coordinator flags.
func Configured() *Config {
	c := &Config{Interval: DefaultInterval}
	interval := lflag.Duration("poll-interval", DefaultInterval, "How often to poll GMP for usage")
	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Errorf("poll-interval must be positive: %s", *interval))
		}
		c.Interval = *interval
	})
	return c
}

// Listener is called with the result of every successful cycle.
type Listener func(ctx context.Context, result types.PollingResult)

// Coordinator periodically polls one account and keeps the latest result.
type Coordinator struct {
	client    Fetcher
	accountID string
	interval  time.Duration
	loc       *time.Location
	now       func() time.Time

	// cycleMu keeps cycles from overlapping
	cycleMu sync.Mutex

	mu           sync.RWMutex
	data         *types.PollingResult
	lastSuccess  bool
	selectedDate civil.Date
	listeners    []Listener
}

// New returns a Coordinator for accountID. The selected date starts as
// today in loc.
func New(client Fetcher, accountID string, cfg *Config, loc *time.Location) *Coordinator {
	if loc == nil {
		loc = time.Local
	}
	interval := DefaultInterval
	if cfg != nil && cfg.Interval > 0 {
		interval = cfg.Interval
	}
	c := &Coordinator{
		client:    client,
		accountID: accountID,
		interval:  interval,
		loc:       loc,
		now:       time.Now,
	}
	c.selectedDate = c.Today()
	return c
}

// AccountID returns the polled account.
func (c *Coordinator) AccountID() string {
	return c.accountID
}

// Today returns the current date in the coordinator's timezone.
func (c *Coordinator) Today() civil.Date {
	return civil.DateOf(c.now().In(c.loc))
}

// SelectedDate returns the day whose hourly usage is fetched.
func (c *Coordinator) SelectedDate() civil.Date {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectedDate
}

// SetSelectedDate changes the day used by the next cycle. Any date is
// accepted.
func (c *Coordinator) SetSelectedDate(d civil.Date) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedDate = d
}

// Data returns the result of the last successful cycle, false if there has
// not been one yet.
func (c *Coordinator) Data() (types.PollingResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return types.PollingResult{}, false
	}
	return *c.data, true
}

// Restore serves r as the data until the first cycle finishes. It is
// ignored once a cycle has stored data. The coordinator stays unavailable
// until a cycle succeeds.
func (c *Coordinator) Restore(r types.PollingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil {
		return
	}
	c.data = &r
}

// LastUpdateSuccess reports whether the most recent cycle succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// AddListener registers fn to run after each successful cycle.
func (c *Coordinator) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Run refreshes immediately and then every interval until ctx is done.
// Failed cycles are logged and keep the previous data.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "gmp update cycle failed", slog.String("accountID", c.accountID), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Refresh runs one update cycle and stores its result. Client failures of
// the usage summary or the account status abort the cycle with
// ErrUpdateFailed; the other queries degrade to an empty object.
func (c *Coordinator) Refresh(ctx context.Context) (types.PollingResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx = log.WithAttrs(ctx, slog.String("cycleID", uuid.NewString()), slog.String("accountID", c.accountID))
	start := c.now()

	result, err := c.update(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastSuccess = false
		c.mu.Unlock()
		return types.PollingResult{}, err
	}

	c.mu.Lock()
	c.data = &result
	c.lastSuccess = true
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"gmp update cycle finished",
		slog.Duration("took", c.now().Sub(start)),
		slog.Float64("todayTotal", result.TodayTotal),
		slog.Int("errors", len(result.Errors)),
	)

	for _, fn := range listeners {
		fn(ctx, result)
	}
	return result, nil
}

func (c *Coordinator) update(ctx context.Context) (types.PollingResult, error) {
	selected := c.SelectedDate()

	summary, status, err := c.fetchRequired(ctx)
	if err != nil {
		if gmp.IsGMPError(err) {
			return types.PollingResult{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
		}
		return types.PollingResult{}, err
	}

	result := types.PollingResult{
		UsageSummary: summary,
		Status:       status,
		SelectedDate: selected,
		Errors:       map[string]string{},
		UpdatedAt:    c.now(),
	}

	tasks := c.optionalTasks(selected)
	outcomes := c.fetchOptional(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return types.PollingResult{}, err
	}
	for i, t := range tasks {
		o := outcomes[i]
		if o.err != nil {
			log.Ctx(ctx).WarnContext(ctx, "optional gmp query failed", slog.String("query", t.name), slog.Any("error", o.err))
			result.Errors[t.name] = o.err.Error()
			o.data = value.EmptyObject()
		}
		result.SetSection(t.name, o.data)
	}
	return result, nil
}

// fetchRequired gets the usage summary and the account status concurrently.
// The first failure cancels the other.
func (c *Coordinator) fetchRequired(ctx context.Context) (types.UsageSummary, value.Value, error) {
	var summary types.UsageSummary
	var status value.Value

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summary, err = c.client.GetUsageSummary(gctx, c.accountID)
		if err != nil {
			return fmt.Errorf("failed to get usage summary: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		status, err = c.client.GetAccountStatus(gctx, c.accountID)
		if err != nil {
			return fmt.Errorf("failed to get account status: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.UsageSummary{}, value.Value{}, err
	}
	return summary, status, nil
}

type task struct {
	name  string
	fetch func(ctx context.Context) (value.Value, error)
}

type outcome struct {
	data value.Value
	err  error
}

func (c *Coordinator) optionalTasks(selected civil.Date) []task {
	id := c.accountID
	return []task{
		{name: types.ResultMonthly, fetch: func(ctx context.Context) (value.Value, error) {
			return c.client.GetMonthlyUsage(ctx, id)
		}},
		{name: types.ResultDaily, fetch: func(ctx context.Context) (value.Value, error) {
			return c.client.GetDailyUsage(ctx, id)
		}},
		{name: types.ResultSelectedHourly, fetch: func(ctx context.Context) (value.Value, error) {
			return c.client.GetHourlyForDay(ctx, id, selected)
		}},
		{name: types.ResultEVDaily, fetch: func(ctx context.Context) (value.Value, error) {
			return c.client.GetEVEnergyDaily(ctx, id)
		}},
	}
}

// fetchOptional runs every task concurrently. Each outcome lands in the slot
// of its task so the merge does not depend on completion order.
func (c *Coordinator) fetchOptional(ctx context.Context, tasks []task) []outcome {
	outcomes := make([]outcome, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := t.fetch(ctx)
			outcomes[i] = outcome{data: data, err: err}
		}()
	}
	wg.Wait()
	return outcomes
}

package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

func testSnapshot(t *testing.T, ts time.Time, total float64) types.PollingResult {
	t.Helper()
	status, err := value.Parse([]byte(`{"active":true,"meterOff":false}`))
	require.NoError(t, err)
	return types.PollingResult{
		UsageSummary: types.UsageSummary{
			HourlyValues: []value.Value{},
			TodayTotal:   total,
			LastHourKWH:  0.5,
		},
		Status:         status,
		Monthly:        value.EmptyObject(),
		Daily:          value.EmptyObject(),
		SelectedHourly: value.EmptyObject(),
		EVDaily:        value.EmptyObject(),
		SelectedDate:   civil.DateOf(ts),
		Errors:         map[string]string{types.ResultEVDaily: "404"},
		UpdatedAt:      ts,
	}
}

func TestSQLiteDatabase(t *testing.T) {
	ctx := context.Background()
	s := &SQLiteDatabase{path: filepath.Join(t.TempDir(), "gmp.db"), key: testKey}
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	t.Run("Entry", func(t *testing.T) {
		_, err := s.GetEntry(ctx, "user@example.com")
		assert.ErrorIs(t, err, ErrEntryNotFound)

		entry := types.Entry{Username: "user@example.com", Password: "hunter2", ClientID: "cid", AccountID: "1234567"}
		require.NoError(t, s.SetEntry(ctx, entry))

		got, err := s.GetEntry(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, entry, got)

		entry.AccountID = "7654321"
		require.NoError(t, s.SetEntry(ctx, entry))
		got, err = s.GetEntry(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, "7654321", got.AccountID)

		assert.Error(t, s.SetEntry(ctx, types.Entry{}))
	})

	t.Run("Snapshots", func(t *testing.T) {
		_, err := s.GetLatestSnapshot(ctx, "1234567")
		assert.ErrorIs(t, err, ErrSnapshotNotFound)

		now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.InsertSnapshot(ctx, "1234567", testSnapshot(t, now.Add(time.Duration(i)*5*time.Minute), float64(i))))
		}
		require.NoError(t, s.InsertSnapshot(ctx, "9999999", testSnapshot(t, now.Add(time.Hour), 99)))

		latest, err := s.GetLatestSnapshot(ctx, "1234567")
		require.NoError(t, err)
		assert.Equal(t, 2.0, latest.TodayTotal)
		assert.True(t, latest.UpdatedAt.Equal(now.Add(10*time.Minute)))
		assert.Equal(t, civil.Date{Year: 2026, Month: time.October, Day: 15}, latest.SelectedDate)
		assert.Equal(t, map[string]string{types.ResultEVDaily: "404"}, latest.Errors)
		active, _ := latest.Status.Get("active")
		assert.True(t, active.Truthy())

		list, err := s.ListSnapshots(ctx, "1234567", now, now.Add(10*time.Minute))
		require.NoError(t, err)
		require.Len(t, list, 2, "end is exclusive")
		assert.Equal(t, 0.0, list[0].TodayTotal)
		assert.Equal(t, 1.0, list[1].TodayTotal)

		assert.Error(t, s.InsertSnapshot(ctx, "1234567", types.PollingResult{}))
		assert.Error(t, s.InsertSnapshot(ctx, "", testSnapshot(t, now, 1)))
	})
}

// sealedEntryArg matches the stored entry json when the password is not in
// plain text.
type sealedEntryArg struct {
	password string
}

func (a sealedEntryArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok || strings.Contains(s, a.password) {
		return false
	}
	var e types.Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return false
	}
	return e.Password == "" && len(e.EncryptedPassword) > 0
}

func TestSQLiteDatabaseQueries(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteDatabase(db, testKey)

	t.Run("SetEntryEncrypts", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entries")).
			WithArgs("user@example.com", sealedEntryArg{password: "hunter2"}, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, s.SetEntry(ctx, types.Entry{Username: "user@example.com", Password: "hunter2"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetEntryQueryError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT json FROM entries")).
			WithArgs("user@example.com").
			WillReturnError(errors.New("database is locked"))

		_, err := s.GetEntry(ctx, "user@example.com")
		assert.ErrorContains(t, err, "database is locked")
		assert.NotErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InsertSnapshotUsesMillis", func(t *testing.T) {
		ts := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO snapshots")).
			WithArgs("1234567", ts.UnixMilli(), sqlmock.AnyArg()).
			WillReturnError(errors.New("disk full"))

		err := s.InsertSnapshot(ctx, "1234567", testSnapshot(t, ts, 1))
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListSnapshotsBadRow", func(t *testing.T) {
		start := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(24 * time.Hour)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT json FROM snapshots")).
			WithArgs("1234567", start.UnixMilli(), end.UnixMilli()).
			WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow("not json"))

		_, err := s.ListSnapshots(ctx, "1234567", start, end)
		assert.ErrorContains(t, err, "failed to unmarshal snapshot")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"cloud.google.com/go/civil"

	"github.com/raterudder/gmpusage/pkg/coordinator"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/metrics"
	"github.com/raterudder/gmpusage/pkg/types"
)

const (
	// selectableDays is how many days, today included, can be selected.
	selectableDays = 31

	defaultHistoryRange = 24 * time.Hour
	maxHistoryRange     = 31 * 24 * time.Hour
)

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	data, ok := s.poller.Data()
	if !ok {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, data)
}

func (s *Server) currentMetrics() (types.Metrics, bool) {
	data, ok := s.poller.Data()
	if !ok {
		return types.Metrics{}, false
	}
	return metrics.Compute(s.poller.AccountID(), data, s.poller.LastUpdateSuccess()), true
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := s.currentMetrics()
	if !ok {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := s.poller.Refresh(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh", slog.Any("error", err))
		if errors.Is(err, coordinator.ErrUpdateFailed) {
			writeJSONError(w, "update failed", http.StatusBadGateway)
		} else {
			writeJSONError(w, "failed to refresh", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, data)
}

// selectableDates lists today and the previous days that can be selected,
// newest first.
func selectableDates(today civil.Date) []civil.Date {
	dates := make([]civil.Date, selectableDays)
	for i := range dates {
		dates[i] = today.AddDays(-i)
	}
	return dates
}

type selectedDateResponse struct {
	Date         civil.Date `json:"date"`
	RefreshError string     `json:"refreshError,omitempty"`
}

func (s *Server) handleGetSelectedDate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, selectedDateResponse{Date: s.poller.SelectedDate()})
}

func (s *Server) handleSelectedDateOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Options []civil.Date `json:"options"`
	}{Options: selectableDates(s.poller.Today())})
}

func (s *Server) handleSetSelectedDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Date string `json:"date"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		writeJSONError(w, "invalid date", http.StatusBadRequest)
		return
	}
	if !slices.Contains(selectableDates(s.poller.Today()), date) {
		writeJSONError(w, fmt.Sprintf("date must be within the last %d days", selectableDays), http.StatusBadRequest)
		return
	}

	s.poller.SetSelectedDate(date)
	log.Ctx(ctx).InfoContext(ctx, "selected date changed", slog.String("date", date.String()))

	resp := selectedDateResponse{Date: date}
	// the date stays selected even if this refresh fails
	if _, err := s.poller.Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh after selecting date", slog.Any("error", err))
		resp.RefreshError = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	end := s.now()
	start := end.Add(-defaultHistoryRange)

	q := r.URL.Query()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid end", http.StatusBadRequest)
			return
		}
		end = t
		start = end.Add(-defaultHistoryRange)
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = t
	}
	if !start.Before(end) {
		writeJSONError(w, "start must be before end", http.StatusBadRequest)
		return
	}
	if end.Sub(start) > maxHistoryRange {
		writeJSONError(w, "range too large", http.StatusBadRequest)
		return
	}

	accountID := s.poller.AccountID()
	snapshots, err := s.storage.ListSnapshots(ctx, accountID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list snapshots", slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}

	history := make([]types.Metrics, 0, len(snapshots))
	for _, snap := range snapshots {
		history = append(history, metrics.Compute(accountID, snap, true))
	}
	writeJSON(w, history)
}

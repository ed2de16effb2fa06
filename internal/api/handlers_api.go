package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lox/clima/internal/drift"
	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/models"
	"github.com/lox/clima/internal/store"
)

const (
	defaultObservationLimit = 500
	maxObservationLimit     = 5000
)

// Status is the body of write endpoints and of read endpoints that have
// nothing to return.
type Status struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
	Stored int    `json:"stored,omitempty"`
}

// Observation is the wire form of models.Observation. Missing readings are
// null.
type Observation struct {
	StationID    string    `json:"station_id"`
	ObservedAt   time.Time `json:"observed_at"`
	Pressure     *float64  `json:"pressure"`
	Temperature  *float64  `json:"temperature"`
	SkyCondition string    `json:"sky_condition"`
	Humidity     *float64  `json:"humidity"`
	WindDir      *float64  `json:"wind_dir"`
	WindSpeed    *float64  `json:"wind_speed"`
	Visibility   *float64  `json:"visibility"`
}

type Forecast struct {
	City         string    `json:"city"`
	State        string    `json:"state"`
	IssuedAt     time.Time `json:"issued_at"`
	Date         string    `json:"date"`
	SkyCondition string    `json:"sky_condition"`
	TempMin      *float64  `json:"temp_min"`
	TempMax      *float64  `json:"temp_max"`
	UVIndex      *float64  `json:"uv_index"`
}

func reading(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func value(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func toObservation(o models.Observation) Observation {
	return Observation{
		StationID:    o.StationID,
		ObservedAt:   o.ObservedAt,
		Pressure:     reading(o.Pressure),
		Temperature:  reading(o.Temperature),
		SkyCondition: o.SkyCondition,
		Humidity:     reading(o.Humidity),
		WindDir:      reading(o.WindDir),
		WindSpeed:    reading(o.WindSpeed),
		Visibility:   reading(o.Visibility),
	}
}

func (o Observation) model() models.Observation {
	return models.Observation{
		StationID:    strings.ToUpper(strings.TrimSpace(o.StationID)),
		ObservedAt:   o.ObservedAt.UTC(),
		Pressure:     value(o.Pressure),
		Temperature:  value(o.Temperature),
		SkyCondition: strings.TrimSpace(o.SkyCondition),
		Humidity:     value(o.Humidity),
		WindDir:      value(o.WindDir),
		WindSpeed:    value(o.WindSpeed),
		Visibility:   value(o.Visibility),
	}
}

func toForecast(f models.ForecastRow) Forecast {
	return Forecast{
		City:         f.City,
		State:        f.State,
		IssuedAt:     f.IssuedAt,
		Date:         f.Date.Format(time.DateOnly),
		SkyCondition: f.SkyCondition,
		TempMin:      reading(f.TempMin),
		TempMax:      reading(f.TempMax),
		UVIndex:      reading(f.UVIndex),
	}
}

func (f Forecast) model() (models.ForecastRow, error) {
	date, err := parseTime(f.Date)
	if err != nil {
		return models.ForecastRow{}, fmt.Errorf("date: %w", err)
	}
	return models.ForecastRow{
		City:         strings.TrimSpace(f.City),
		State:        strings.ToUpper(strings.TrimSpace(f.State)),
		IssuedAt:     f.IssuedAt.UTC(),
		Date:         date,
		SkyCondition: strings.TrimSpace(f.SkyCondition),
		TempMin:      value(f.TempMin),
		TempMax:      value(f.TempMax),
		UVIndex:      value(f.UVIndex),
	}, nil
}

func (s *Server) handleGetObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ObservationFilter{
		StationID: strings.ToUpper(q.Get("station")),
		Limit:     defaultObservationLimit,
	}
	var err error
	if filter.Since, err = optionalTime(q.Get("since")); err != nil {
		badRequest(w, "since: "+err.Error())
		return
	}
	if filter.Until, err = optionalTime(q.Get("until")); err != nil {
		badRequest(w, "until: "+err.Error())
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, fmt.Sprintf("limit: %q is not a positive integer", v))
			return
		}
		filter.Limit = min(n, maxObservationLimit)
	}

	obs, err := s.store.GetObservations(r.Context(), filter)
	if err != nil {
		serverError(w, err)
		return
	}
	out := make([]Observation, len(obs))
	for i, o := range obs {
		out[i] = toObservation(o)
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePostObservations stores a batch of raw observations and their
// feature rows. Observations failing validation are stored flagged but get
// no feature row.
func (s *Server) handlePostObservations(w http.ResponseWriter, r *http.Request) {
	var batch []Observation
	if err := decodeBatch(w, r, &batch); err != nil {
		badRequest(w, err.Error())
		return
	}
	obs := make([]models.Observation, len(batch))
	for i, o := range batch {
		obs[i] = o.model()
		if obs[i].StationID == "" || obs[i].ObservedAt.IsZero() {
			badRequest(w, fmt.Sprintf("observation %d: station_id and observed_at are required", i))
			return
		}
	}

	ctx := r.Context()
	stored, err := s.store.InsertObservations(ctx, obs)
	if err != nil {
		serverError(w, err)
		return
	}

	table, err := s.store.LoadCodeTable(ctx)
	if err != nil {
		serverError(w, err)
		return
	}
	if s.extendSky {
		if next, changed := table.ExtendWith(obs); changed {
			if err := s.store.SaveCodeTable(ctx, next); err != nil {
				serverError(w, err)
				return
			}
			log.Printf("api: sky code table extended to version %d", next.Version())
			table = next
		}
	}
	rows, err := features.Transform(obs, table)
	switch {
	case errors.Is(err, features.ErrEmptyInput):
		log.Printf("api: observation batch produced no feature rows: %v", err)
	case err != nil:
		serverError(w, err)
		return
	default:
		if _, err := s.store.UpsertFeatureRows(ctx, rows); err != nil {
			serverError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, Status{Status: true, Stored: stored})
}

func (s *Server) handleGetForecasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := optionalTime(q.Get("date"))
	if err != nil {
		badRequest(w, "date: "+err.Error())
		return
	}
	rows, err := s.store.GetForecasts(r.Context(), q.Get("city"), date)
	if err != nil {
		serverError(w, err)
		return
	}
	out := make([]Forecast, len(rows))
	for i, f := range rows {
		out[i] = toForecast(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePostForecasts(w http.ResponseWriter, r *http.Request) {
	var batch []Forecast
	if err := decodeBatch(w, r, &batch); err != nil {
		badRequest(w, err.Error())
		return
	}
	rows := make([]models.ForecastRow, len(batch))
	for i, f := range batch {
		row, err := f.model()
		if err != nil {
			badRequest(w, fmt.Sprintf("forecast %d: %v", i, err))
			return
		}
		if row.City == "" || row.IssuedAt.IsZero() {
			badRequest(w, fmt.Sprintf("forecast %d: city, issued_at and date are required", i))
			return
		}
		rows[i] = row
	}
	if _, err := s.store.UpsertForecasts(r.Context(), rows); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Status{Status: true, Stored: len(rows)})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := s.store.LatestPredictions(r.Context(), strings.ToUpper(r.URL.Query().Get("station")))
	if err != nil {
		serverError(w, err)
		return
	}
	if len(preds) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, Status{Error: "no predictions available: no model has been trained yet"})
		return
	}
	writeJSON(w, http.StatusOK, preds)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, fmt.Sprintf("limit: %q is not a positive integer", v))
			return
		}
		limit = min(n, 500)
	}
	runs, err := s.store.ListPipelineRuns(r.Context(), q.Get("flow"), limit)
	if err != nil {
		serverError(w, err)
		return
	}
	if runs == nil {
		runs = []models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Distribution is a drift reference window.
type Distribution struct {
	WindowID string              `json:"window_id"`
	Rows     []models.FeatureRow `json:"rows"`
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	windowID, rows, err := s.store.LatestDistribution(r.Context())
	if err != nil {
		serverError(w, err)
		return
	}
	if windowID == "" {
		writeJSON(w, http.StatusNotFound, Status{Error: "no reference distribution stored"})
		return
	}
	writeJSON(w, http.StatusOK, Distribution{WindowID: windowID, Rows: rows})
}

// handlePostDistribution replaces the drift reference with the posted
// window. The window id defaults to the one derived from its rows.
func (s *Server) handlePostDistribution(w http.ResponseWriter, r *http.Request) {
	var d Distribution
	if err := decodeBatch(w, r, &d); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(d.Rows) == 0 {
		badRequest(w, "rows: a distribution needs at least one feature row")
		return
	}
	for i, row := range d.Rows {
		if row.StationID == "" || row.ObservedAt.IsZero() {
			badRequest(w, fmt.Sprintf("row %d: station_id and observed_at are required", i))
			return
		}
		d.Rows[i].StationID = strings.ToUpper(strings.TrimSpace(row.StationID))
		d.Rows[i].ObservedAt = row.ObservedAt.UTC()
	}
	if d.WindowID == "" {
		d.WindowID = drift.WindowID(d.Rows)
	}
	if err := s.store.SaveDistribution(r.Context(), d.WindowID, s.clock.Now(), d.Rows); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Status{Status: true, Stored: len(d.Rows)})
}

// handleFeatures returns stored feature rows, by default those of the last
// day.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := optionalTime(q.Get("since"))
	if err != nil {
		badRequest(w, "since: "+err.Error())
		return
	}
	if since.IsZero() {
		since = s.clock.Now().Add(-24 * time.Hour)
	}
	rows, err := s.store.GetFeatureRows(r.Context(), since)
	if err != nil {
		serverError(w, err)
		return
	}
	station := strings.ToUpper(q.Get("station"))
	out := make([]models.FeatureRow, 0, len(rows))
	for _, row := range rows {
		if station == "" || row.StationID == station {
			out = append(out, row)
		}
	}
	if len(out) > maxObservationLimit {
		out = out[len(out)-maxObservationLimit:]
	}
	writeJSON(w, http.StatusOK, out)
}

// handleModels lists registered artifacts, newest first, for one mode or
// both.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modes := models.Modes
	if v := q.Get("mode"); v != "" {
		mode, err := models.ParseMode(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		modes = []models.Mode{mode}
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, fmt.Sprintf("limit: %q is not a positive integer", v))
			return
		}
		limit = min(n, 500)
	}

	out := []models.ModelArtifact{}
	for _, mode := range modes {
		list, err := s.store.ListArtifacts(r.Context(), mode, limit)
		if err != nil {
			serverError(w, err)
			return
		}
		out = append(out, list...)
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBatch(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func optionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, Status{Error: msg})
}

func serverError(w http.ResponseWriter, err error) {
	log.Printf("api: %v", err)
	writeJSON(w, http.StatusInternalServerError, Status{Error: err.Error()})
}

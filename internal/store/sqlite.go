package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/models"
)

var ErrPersistence = errors.New("store: persistence failure")

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.Upsert(ctx, "stations",
		[]string{"station_id", "name", "city", "state", "active"},
		[][]any{{st.StationID, st.Name, st.City, st.State, st.Active}})
	return err
}

func (s *Store) GetActiveStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.Query(ctx, "stations",
		[]string{"station_id", "name", "city", "state", "active"},
		Filter{Equals: map[string]any{"active": true}, OrderBy: "station_id"})
	if err != nil {
		return nil, err
	}
	stations := make([]models.Station, 0, len(rows))
	for _, r := range rows {
		stations = append(stations, models.Station{
			StationID: r.String("station_id"),
			Name:      r.String("name"),
			City:      r.String("city"),
			State:     r.String("state"),
			Active:    r.Int("active") != 0,
		})
	}
	return stations, nil
}

var observationColumns = []string{
	"station_id", "observed_at", "pressure", "temperature", "sky_condition",
	"humidity", "wind_dir", "wind_speed", "visibility", "quality_flags",
}

// InsertObservations stores raw observations, annotating each with its
// quality flags. Observations already stored for the same station and time
// are left as they are. It returns how many rows were new.
func (s *Store) InsertObservations(ctx context.Context, obs []models.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("begin insert observations", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (station_id, observed_at, pressure, temperature, sky_condition, humidity, wind_dir, wind_speed, visibility, quality_flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return 0, persistErr("prepare insert observations", err)
	}
	defer stmt.Close()

	stored := 0
	for i := range obs {
		o := &obs[i]
		flags := features.QualityFlagsToJSON(features.ValidateObservation(o))
		res, err := stmt.ExecContext(ctx, o.StationID, o.ObservedAt.UTC(), o.Pressure, o.Temperature,
			o.SkyCondition, o.Humidity, o.WindDir, o.WindSpeed, o.Visibility, flags)
		if err != nil {
			return 0, persistErr("insert observation "+o.StationID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("commit observations", err)
	}
	return stored, nil
}

type ObservationFilter struct {
	StationID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// GetObservations returns raw observations in time order.
func (s *Store) GetObservations(ctx context.Context, f ObservationFilter) ([]models.Observation, error) {
	filter := Filter{Since: f.Since, Until: f.Until, Limit: f.Limit}
	if f.StationID != "" {
		filter.Equals = map[string]any{"station_id": f.StationID}
	}
	if f.Limit > 0 {
		// newest rows first so the limit keeps the freshest, then restore order
		filter.Desc = true
	}
	rows, err := s.Query(ctx, "observations", observationColumns, filter)
	if err != nil {
		return nil, err
	}

	out := make([]models.Observation, len(rows))
	for i, r := range rows {
		j := i
		if filter.Desc {
			j = len(rows) - 1 - i
		}
		out[j] = models.Observation{
			StationID:    r.String("station_id"),
			ObservedAt:   r.Time("observed_at"),
			Pressure:     r.NullableFloat("pressure"),
			Temperature:  r.NullableFloat("temperature"),
			SkyCondition: r.String("sky_condition"),
			Humidity:     r.NullableFloat("humidity"),
			WindDir:      r.NullableFloat("wind_dir"),
			WindSpeed:    r.NullableFloat("wind_speed"),
			Visibility:   r.NullableFloat("visibility"),
		}
	}
	return out, nil
}

// UpsertFeatureRows writes transformed rows to the metar table.
func (s *Store) UpsertFeatureRows(ctx context.Context, rows []models.FeatureRow) (bool, error) {
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = featureValues(r)
	}
	return s.Upsert(ctx, "metar", metarColumns, values)
}

// GetFeatureRows returns metar rows observed at or after since, in time
// order.
func (s *Store) GetFeatureRows(ctx context.Context, since time.Time) ([]models.FeatureRow, error) {
	rows, err := s.Query(ctx, "metar", metarColumns, Filter{Since: since})
	if err != nil {
		return nil, err
	}
	out := make([]models.FeatureRow, len(rows))
	for i, r := range rows {
		out[i] = featureFromRow(r)
	}
	return out, nil
}

func featureValues(r models.FeatureRow) []any {
	return []any{
		r.StationID, r.ObservedAt.UTC(), r.Day, r.Month, r.Year, r.Pressure, r.Temperature, r.SkyCode,
		r.Humidity, r.WindDirSin, r.WindDirCos, r.WindSpeed, r.Visibility,
	}
}

func featureFromRow(r Row) models.FeatureRow {
	return models.FeatureRow{
		StationID:   r.String("station_id"),
		ObservedAt:  r.Time("observed_at"),
		Day:         r.Int("day"),
		Month:       r.Int("month"),
		Year:        r.Int("year"),
		Pressure:    r.Float("pressure"),
		Temperature: r.Float("temperature"),
		SkyCode:     r.Int("sky_code"),
		Humidity:    r.Float("humidity"),
		WindDirSin:  r.Float("wind_dir_sin"),
		WindDirCos:  r.Float("wind_dir_cos"),
		WindSpeed:   r.Float("wind_speed"),
		Visibility:  r.Float("visibility"),
	}
}

var forecastColumns = []string{"city", "state", "issued_at", "date", "sky_condition", "temp_min", "temp_max", "uv_index"}

// UpsertForecasts stores municipal forecast rows, replacing rows with the
// same city, issue time and date.
func (s *Store) UpsertForecasts(ctx context.Context, rows []models.ForecastRow) (bool, error) {
	values := make([][]any, len(rows))
	for i, f := range rows {
		values[i] = []any{f.City, f.State, f.IssuedAt.UTC(), dateOnly(f.Date), f.SkyCondition, f.TempMin, f.TempMax, f.UVIndex}
	}
	return s.Upsert(ctx, "forecast", forecastColumns, values)
}

// GetForecasts returns forecasts for city (all cities when empty) and, when
// date is set, only that calendar day.
func (s *Store) GetForecasts(ctx context.Context, city string, date time.Time) ([]models.ForecastRow, error) {
	f := Filter{Equals: map[string]any{}}
	if city != "" {
		f.Equals["city"] = city
	}
	if !date.IsZero() {
		f.Since = dateOnly(date)
		f.Until = dateOnly(date)
	}
	rows, err := s.Query(ctx, "forecast", forecastColumns, f)
	if err != nil {
		return nil, err
	}
	out := make([]models.ForecastRow, len(rows))
	for i, r := range rows {
		out[i] = models.ForecastRow{
			City:         r.String("city"),
			State:        r.String("state"),
			IssuedAt:     r.Time("issued_at"),
			Date:         r.Time("date"),
			SkyCondition: r.String("sky_condition"),
			TempMin:      r.NullableFloat("temp_min"),
			TempMax:      r.NullableFloat("temp_max"),
			UVIndex:      r.NullableFloat("uv_index"),
		}
	}
	return out, nil
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit record of one upstream fetch.
type IngestRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "cptec", "ftp"
	Endpoint          string // "estacao/condicoesAtuais", "cidade/previsao", ...
	StationID         sql.NullString
	LocationID        sql.NullString
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun records the start of a fetch and returns the open run.
func (s *Store) StartIngestRun(ctx context.Context, source, endpoint, stationID, locationID string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt:  time.Now().UTC(),
		Source:     source,
		Endpoint:   endpoint,
		StationID:  nullString(stationID),
		LocationID: nullString(locationID),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (started_at, source, endpoint, station_id, location_id, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Endpoint, run.StationID, run.LocationID)
	if err != nil {
		return nil, persistErr("start ingest run", err)
	}

	if run.ID, err = result.LastInsertId(); err != nil {
		return nil, persistErr("ingest run id", err)
	}
	return run, nil
}

// CompleteIngestRun closes run with its outcome.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	if err != nil {
		return persistErr("complete ingest run", err)
	}
	return nil
}

// IngestHealthSummary aggregates fetches per day, source and endpoint.
type IngestHealthSummary struct {
	Date             string `json:"date"`
	Source           string `json:"source"`
	Endpoint         string `json:"endpoint"`
	TotalRuns        int    `json:"total_runs"`
	SuccessRuns      int    `json:"success_runs"`
	FailedRuns       int    `json:"failed_runs"`
	TotalRecords     int64  `json:"total_records"` // parsed records
	TotalParseErrors int64  `json:"total_parse_errors"`
}

// GetIngestHealth summarizes fetches started within the last days days.
func (s *Store) GetIngestHealth(ctx context.Context, days int) ([]IngestHealthSummary, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			SUBSTR(started_at, 1, 10) AS day,
			source,
			endpoint,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END),
			COALESCE(SUM(records_parsed), 0),
			COALESCE(SUM(parse_errors), 0)
		FROM ingest_runs
		WHERE started_at >= ?
		GROUP BY day, source, endpoint
		ORDER BY day DESC, source, endpoint
	`, since)
	if err != nil {
		return nil, persistErr("ingest health", err)
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.Endpoint, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalRecords, &h.TotalParseErrors); err != nil {
			return nil, persistErr("scan ingest health", err)
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns the latest failed fetches.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, source, endpoint, station_id, location_id,
		       http_status, response_size_bytes, records_parsed, records_stored,
		       success, error_message
		FROM ingest_runs
		WHERE success = FALSE AND finished_at IS NOT NULL
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, persistErr("recent ingest errors", err)
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.StationID, &r.LocationID, &r.HTTPStatus, &r.ResponseSizeBytes,
			&r.RecordsParsed, &r.RecordsStored, &r.Success, &r.ErrorMessage); err != nil {
			return nil, persistErr("scan ingest run", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

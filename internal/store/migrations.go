package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT,
    city TEXT,
    state TEXT,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    pressure REAL,
    temperature REAL,
    sky_condition TEXT,
    humidity REAL,
    wind_dir REAL,
    wind_speed REAL,
    visibility REAL,
    quality_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(station_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_observations_observed_at ON observations(observed_at);

CREATE TABLE IF NOT EXISTS metar (
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    day INTEGER,
    month INTEGER,
    year INTEGER,
    pressure REAL,
    temperature REAL,
    sky_code INTEGER,
    humidity REAL,
    wind_dir_sin REAL,
    wind_dir_cos REAL,
    wind_speed REAL,
    visibility REAL,
    UNIQUE(station_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_metar_observed_at ON metar(observed_at);

CREATE TABLE IF NOT EXISTS forecast (
    city TEXT NOT NULL,
    state TEXT,
    issued_at DATETIME NOT NULL,
    date DATE NOT NULL,
    sky_condition TEXT,
    temp_min REAL,
    temp_max REAL,
    uv_index REAL,
    UNIQUE(city, issued_at, date)
);
`,
	},
	{
		Version:     2,
		Description: "Drift reference windows and sky code table",
		SQL: `
CREATE TABLE IF NOT EXISTS metar_distribution (
    window_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    day INTEGER,
    month INTEGER,
    year INTEGER,
    pressure REAL,
    temperature REAL,
    sky_code INTEGER,
    humidity REAL,
    wind_dir_sin REAL,
    wind_dir_cos REAL,
    wind_speed REAL,
    visibility REAL,
    UNIQUE(window_id, station_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_metar_distribution_created ON metar_distribution(created_at);

CREATE TABLE IF NOT EXISTS sky_codes (
    condition TEXT PRIMARY KEY,
    code INTEGER NOT NULL UNIQUE,
    version INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "Model registry, pipeline runs and predictions",
		SQL: `
CREATE TABLE IF NOT EXISTS model_artifacts (
    training_run_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    pipeline_run_id TEXT,
    hyperparams TEXT,
    eval_rmse REAL,
    best_iteration INTEGER,
    evaluation TEXT,
    blob BLOB NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_mode ON model_artifacts(mode, created_at);

CREATE TABLE IF NOT EXISTS model_current (
    mode TEXT PRIMARY KEY,
    training_run_id TEXT NOT NULL REFERENCES model_artifacts(training_run_id),
    promoted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id TEXT PRIMARY KEY,
    flow TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    failure_reason TEXT,
    drifted BOOLEAN,
    retrained TEXT,
    retrain_errors TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_flow ON pipeline_runs(flow, started_at);

CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    target_date DATE NOT NULL,
    temp_max REAL,
    temp_min REAL,
    max_training_run_id TEXT,
    min_training_run_id TEXT,
    UNIQUE(station_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_predictions_station ON predictions(station_id, issued_at);
`,
	},
	{
		Version:     4,
		Description: "Ingest audit trail and raw payload retention",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    location_id TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    location_id TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
	{
		Version:     5,
		Description: "Flow leases shared across processes",
		SQL: `
CREATE TABLE IF NOT EXISTS flow_leases (
    flow TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    acquired_at DATETIME NOT NULL,
    expires_at INTEGER NOT NULL
);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

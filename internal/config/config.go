// Package config holds the service configuration shared by every command.
// Each option is a kong flag with an env fallback; an optional .env file is
// loaded into the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lox/clima/internal/drift"
	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/pipeline"
	"github.com/lox/clima/internal/walkforward"
)

type Config struct {
	DBPath   string `name:"db" env:"CLIMA_DB" default:"data/clima.db" help:"Path to the SQLite database."`
	Port     string `env:"CLIMA_PORT" default:"8080" help:"HTTP server port."`
	CPTECURL string `name:"cptec-url" env:"CLIMA_CPTEC_URL" default:"http://servicos.cptec.inpe.br/XML" help:"CPTEC XML service base URL."`

	Stations []string `env:"CLIMA_STATIONS" default:"SBGR,SBSP,SBRF,SBPA,SBBR" help:"METAR station codes to ingest. Empty fetches every capital."`
	Cities   []string `env:"CLIMA_CITIES" default:"São Paulo/SP,Recife/PE,Porto Alegre/RS,Brasília/DF" help:"Cities whose forecasts are collected, as Name or Name/UF."`

	ArchiveURL string `name:"archive-url" env:"CLIMA_ARCHIVE_URL" help:"FTP location of the historical METAR archive, e.g. ftp://host/metar."`

	IngestSchedule   string `env:"CLIMA_INGEST_SCHEDULE" default:"0 * * * *" help:"Cron schedule of the ingest flow (UTC)."`
	ForecastSchedule string `env:"CLIMA_FORECAST_SCHEDULE" default:"0 12 * * *" help:"Cron schedule of the forecast flow (UTC)."`
	RetrainSchedule  string `env:"CLIMA_RETRAIN_SCHEDULE" default:"0 0 * * *" help:"Cron schedule of the retrain flow (UTC)."`
	CleanupSchedule  string `env:"CLIMA_CLEANUP_SCHEDULE" default:"30 3 * * *" help:"Cron schedule of raw payload cleanup (UTC)."`
	PayloadRetention int    `env:"CLIMA_PAYLOAD_RETENTION_DAYS" default:"30" help:"Days raw CPTEC payloads are kept."`

	Lookback        time.Duration `env:"CLIMA_LOOKBACK" default:"2160h" help:"How far back the retrain flow reads observations."`
	DriftWindow     int           `env:"CLIMA_DRIFT_WINDOW" default:"168" help:"Feature rows in the newest drift window."`
	Significance    float64       `env:"CLIMA_DRIFT_SIGNIFICANCE" default:"0.05" help:"Drift test significance level."`
	MinSamples      int           `env:"CLIMA_DRIFT_MIN_SAMPLES" default:"30" help:"Smallest window the drift tests accept."`
	AggregateWindow int           `env:"CLIMA_AGGREGATE_WINDOW" default:"24" help:"Trailing samples summarised per daily row."`
	CutoffHour      int           `env:"CLIMA_CUTOFF_HOUR" default:"23" help:"UTC hour of the daily feature cutoff."`
	Trials          int           `env:"CLIMA_TRIALS" default:"20" help:"Hyperparameter trials per retrain."`
	EvalFraction    float64       `env:"CLIMA_EVAL_FRACTION" default:"0.2" help:"Share of daily rows held out for evaluation."`

	WalkForwardWindow int  `env:"CLIMA_WF_WINDOW" default:"28" help:"Walk-forward training window in days."`
	WalkForwardStep   int  `env:"CLIMA_WF_STEP" default:"7" help:"Walk-forward step in days."`
	WalkForwardSearch bool `env:"CLIMA_WF_SEARCH" help:"Grid search walk-forward orders instead of the fixed order."`

	ExtendSkyCodes bool `env:"CLIMA_EXTEND_SKY_CODES" help:"Add unseen sky conditions to the code table."`

	LeaseTTL  time.Duration `name:"lease-ttl" env:"CLIMA_LEASE_TTL" default:"6h" help:"How long a flow lease outlives a crashed holder."`
	UserAgent string        `name:"user-agent" env:"CLIMA_USER_AGENT" help:"User-Agent sent to CPTEC. Defaults to clima's own."`
}

// Validate rejects configurations no flow can run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is empty"))
	}
	if _, err := url.ParseRequestURI(c.CPTECURL); err != nil {
		errs = append(errs, fmt.Errorf("cptec url: %w", err))
	}
	for _, s := range c.Stations {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("stations contains an empty code"))
			break
		}
	}
	if len(c.Cities) == 0 {
		errs = append(errs, errors.New("no forecast cities configured"))
	}
	if c.ArchiveURL != "" && !strings.HasPrefix(c.ArchiveURL, "ftp://") {
		errs = append(errs, fmt.Errorf("archive url %q must use ftp://", c.ArchiveURL))
	}
	for name, spec := range map[string]string{
		"ingest":   c.IngestSchedule,
		"forecast": c.ForecastSchedule,
		"retrain":  c.RetrainSchedule,
		"cleanup":  c.CleanupSchedule,
	} {
		if err := pipeline.ValidateSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s schedule: %w", name, err))
		}
	}
	if c.PayloadRetention <= 0 {
		errs = append(errs, fmt.Errorf("payload retention must be positive, got %d", c.PayloadRetention))
	}
	if c.WalkForwardWindow <= 0 || c.WalkForwardStep <= 0 {
		errs = append(errs, fmt.Errorf("walk-forward window and step must be positive, got %d and %d",
			c.WalkForwardWindow, c.WalkForwardStep))
	}
	if c.MinSamples <= 0 {
		errs = append(errs, fmt.Errorf("drift min samples must be positive, got %d", c.MinSamples))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease ttl must be positive, got %s", c.LeaseTTL))
	}
	if c.Significance <= 0 || c.Significance >= 1 {
		errs = append(errs, fmt.Errorf("drift significance must be in (0,1), got %v", c.Significance))
	}
	if c.AggregateWindow <= 0 || c.CutoffHour < 0 || c.CutoffHour > 23 {
		errs = append(errs, fmt.Errorf("aggregate window %d / cutoff hour %d out of range", c.AggregateWindow, c.CutoffHour))
	}
	if err := c.Pipeline().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Pipeline returns the retrain pipeline settings.
func (c Config) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Lookback = c.Lookback
	cfg.DriftWindow = c.DriftWindow
	cfg.Drift = drift.Options{Significance: c.Significance, MinSamples: c.MinSamples}
	cfg.Aggregate = features.AggregateOptions{Window: c.AggregateWindow, CutoffHour: c.CutoffHour}
	cfg.WalkForward.WindowSize = c.WalkForwardWindow
	cfg.WalkForward.StepSize = c.WalkForwardStep
	if c.WalkForwardSearch {
		grid := walkforward.DefaultGrid(7)
		cfg.Grid = &grid
	}
	cfg.Trials = c.Trials
	cfg.EvalFraction = c.EvalFraction
	return cfg
}

// LoadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Printf("config: loaded %s", path)
	return nil
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "modernc.org/sqlite"

	"github.com/lox/clima/internal/api"
	"github.com/lox/clima/internal/config"
	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/httputil"
	"github.com/lox/clima/internal/ingest"
	"github.com/lox/clima/internal/model"
	"github.com/lox/clima/internal/models"
	"github.com/lox/clima/internal/pipeline"
	"github.com/lox/clima/internal/store"
)

type CLI struct {
	config.Config `embed:""`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the API server and the scheduled flows."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest current observations once and exit."`
	Forecast ForecastCmd `cmd:"" help:"Collect city forecasts once and exit."`
	Retrain  RetrainCmd  `cmd:"" help:"Run the drift check, retrain and predict flow once and exit."`
	Backfill BackfillCmd `cmd:"" help:"Load historical observations from the FTP archive."`
}

func main() {
	envFile := os.Getenv("CLIMA_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("clima"),
		kong.Description("Adaptive next-day temperature extreme forecasts from CPTEC METAR observations."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	a, err := newApp(ctx, cli.Config)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	kctx.FatalIfErrorf(kctx.Run(a))
}

// app holds the dependencies shared by the commands.
type app struct {
	cfg    config.Config
	db     *sql.DB
	store  *store.Store
	cptec  *ingest.CPTEC
	models *model.Manager
	lock   *pipeline.RunLock
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")

	for _, id := range cfg.Stations {
		if err := st.UpsertStation(ctx, models.Station{StationID: id, Active: true}); err != nil {
			db.Close()
			return nil, fmt.Errorf("upsert station %s: %w", id, err)
		}
	}

	return &app{
		cfg:   cfg,
		db:    db,
		store: st,
		cptec: ingest.NewCPTEC(
			ingest.WithBaseURL(cfg.CPTECURL),
			ingest.WithHTTPClient(httputil.NewClient(cfg.UserAgent)),
			ingest.WithStations(cfg.Stations...),
			ingest.WithAuditor(st),
		),
		models: model.NewManager(st),
		lock:   pipeline.NewRunLock(pipeline.WithLeases(st, cfg.LeaseTTL)),
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) ingestFlow() *pipeline.IngestFlow {
	f := pipeline.NewIngestFlow(a.cptec, a.store, nil)
	f.ExtendSkyCodes = a.cfg.ExtendSkyCodes
	return f
}

func (a *app) forecastFlow() *pipeline.ForecastFlow {
	return pipeline.NewForecastFlow(a.cptec, a.store, a.cfg.Cities, nil)
}

func (a *app) retrainPipeline(pub pipeline.Publisher) (*pipeline.Pipeline, error) {
	var opts []pipeline.Option
	if pub != nil {
		opts = append(opts, pipeline.WithPublisher(pub))
	}
	return pipeline.New(a.store, a.models, a.cfg.Pipeline(), opts...)
}

type ServeCmd struct {
	NoSchedule bool `help:"Serve the API without running scheduled flows (local dev)."`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	server := api.NewServer(a.store, a.cfg.Port, api.WithExtendSkyCodes(a.cfg.ExtendSkyCodes))
	retrain, err := a.retrainPipeline(server)
	if err != nil {
		return err
	}

	if c.NoSchedule {
		log.Println("scheduling disabled (--no-schedule)")
	} else {
		sched := pipeline.NewScheduler(a.lock)
		jobs := []struct {
			flow, spec string
			run        func(context.Context) error
		}{
			{pipeline.FlowIngest, a.cfg.IngestSchedule, func(ctx context.Context) error {
				_, err := a.ingestFlow().Run(ctx)
				return err
			}},
			{pipeline.FlowForecast, a.cfg.ForecastSchedule, func(ctx context.Context) error {
				_, err := a.forecastFlow().Run(ctx)
				return err
			}},
			{pipeline.FlowRetrain, a.cfg.RetrainSchedule, func(ctx context.Context) error {
				_, err := retrain.Run(ctx)
				return err
			}},
			{"cleanup", a.cfg.CleanupSchedule, func(ctx context.Context) error {
				n, err := a.store.CleanupOldRawPayloads(ctx, a.cfg.PayloadRetention)
				if err == nil && n > 0 {
					log.Printf("cleanup: removed %d raw payloads older than %d days", n, a.cfg.PayloadRetention)
				}
				return err
			}},
		}
		for _, j := range jobs {
			if err := sched.Add(j.flow, j.spec, j.run); err != nil {
				return err
			}
		}
		go sched.Run(ctx)
	}

	log.Printf("starting server on :%s", a.cfg.Port)
	return server.Run(ctx)
}

type IngestCmd struct{}

func (c *IngestCmd) Run(ctx context.Context, a *app) error {
	return pipeline.RunExclusive(ctx, a.lock, pipeline.FlowIngest, func(ctx context.Context) error {
		run, err := a.ingestFlow().Run(ctx)
		if err != nil {
			return err
		}
		log.Printf("ingest run %s %s", run.RunID, run.Status)
		return nil
	})
}

type ForecastCmd struct{}

func (c *ForecastCmd) Run(ctx context.Context, a *app) error {
	return pipeline.RunExclusive(ctx, a.lock, pipeline.FlowForecast, func(ctx context.Context) error {
		run, err := a.forecastFlow().Run(ctx)
		if err != nil {
			return err
		}
		log.Printf("forecast run %s %s", run.RunID, run.Status)
		return nil
	})
}

type RetrainCmd struct{}

func (c *RetrainCmd) Run(ctx context.Context, a *app) error {
	p, err := a.retrainPipeline(nil)
	if err != nil {
		return err
	}
	return pipeline.RunExclusive(ctx, a.lock, pipeline.FlowRetrain, func(ctx context.Context) error {
		run, err := p.Run(ctx)
		if err != nil {
			return err
		}
		log.Printf("retrain run %s %s (retrained %v)", run.Record.RunID, run.Record.Status, run.Record.Retrained)
		return nil
	})
}

type BackfillCmd struct {
	Since time.Time `required:"" format:"2006-01-02" help:"First day to load (YYYY-MM-DD)."`
	Until time.Time `format:"2006-01-02" help:"Last day to load (YYYY-MM-DD). Defaults to today."`
}

func (c *BackfillCmd) Run(ctx context.Context, a *app) error {
	if a.cfg.ArchiveURL == "" {
		return fmt.Errorf("backfill needs --archive-url or CLIMA_ARCHIVE_URL")
	}
	archive, err := ingest.NewArchive(a.cfg.ArchiveURL)
	if err != nil {
		return err
	}

	until := c.Until
	if until.IsZero() {
		until = time.Now().UTC().Truncate(24 * time.Hour)
	}
	until = until.Add(24*time.Hour - time.Second)

	log.Printf("backfilling %s to %s", c.Since.Format(time.DateOnly), until.Format(time.DateOnly))
	obs, err := archive.Fetch(ctx, a.cfg.Stations, c.Since.UTC(), until)
	if err != nil {
		return err
	}
	stored, err := a.store.InsertObservations(ctx, obs)
	if err != nil {
		return err
	}

	table, err := a.store.LoadCodeTable(ctx)
	if err != nil {
		return err
	}
	rows, err := features.Transform(obs, table)
	if err != nil {
		return fmt.Errorf("transform %d archived observations: %w", len(obs), err)
	}
	if _, err := a.store.UpsertFeatureRows(ctx, rows); err != nil {
		return err
	}
	log.Printf("backfill done: %d observations (%d new), %d feature rows", len(obs), stored, len(rows))
	return nil
}

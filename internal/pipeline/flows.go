package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/metrics"
	"github.com/lox/clima/internal/models"
)

// ObservationFetcher yields the current observations of the configured
// stations. *ingest.CPTEC satisfies it.
type ObservationFetcher interface {
	FetchCurrentObservations(ctx context.Context) ([]models.Observation, error)
}

// ForecastFetcher yields the published forecast of one city.
type ForecastFetcher interface {
	FetchForecast(ctx context.Context, city string) ([]models.ForecastRow, error)
}

// IngestStore is the persistence the ingest flow writes to.
type IngestStore interface {
	InsertObservations(ctx context.Context, obs []models.Observation) (int, error)
	UpsertFeatureRows(ctx context.Context, rows []models.FeatureRow) (bool, error)
	LoadCodeTable(ctx context.Context) (*features.CodeTable, error)
	SaveCodeTable(ctx context.Context, t *features.CodeTable) error
	SavePipelineRun(ctx context.Context, run models.PipelineRun) error
}

// ForecastStore is the persistence the forecast flow writes to.
type ForecastStore interface {
	UpsertForecasts(ctx context.Context, rows []models.ForecastRow) (bool, error)
	SavePipelineRun(ctx context.Context, run models.PipelineRun) error
}

type flowStep struct {
	stage Stage
	run   func(ctx context.Context) error
}

// runSteps executes a linear flow, recording the run after every stage.
func runSteps(ctx context.Context, clock clockwork.Clock, save func(context.Context, models.PipelineRun) error, flow string, steps []flowStep) (models.PipelineRun, error) {
	run := models.PipelineRun{
		RunID:     uuid.NewString(),
		Flow:      flow,
		StartedAt: clock.Now().UTC(),
		Status:    models.RunRunning,
	}
	if len(steps) > 0 {
		run.Stage = string(steps[0].stage)
	}
	if err := save(ctx, run); err != nil {
		return run, fmt.Errorf("record run start: %w", err)
	}

	var failure error
	for _, s := range steps {
		run.Stage = string(s.stage)
		start := time.Now()
		err := ctx.Err()
		if err == nil {
			err = s.run(ctx)
		}
		metrics.StageDuration.WithLabelValues(flow, string(s.stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			failure = fmt.Errorf("%s: %w", s.stage, err)
			break
		}
	}

	finished := clock.Now().UTC()
	run.FinishedAt = &finished
	if failure != nil {
		run.Stage = string(StageFailed)
		run.Status = models.RunFailed
		run.FailureReason = failure.Error()
		log.Printf("pipeline: %s run %s failed: %v", flow, run.RunID, failure)
	} else {
		run.Stage = string(StageCompleted)
		run.Status = models.RunCompleted
	}
	if err := save(ctx, run); err != nil {
		log.Printf("pipeline: record %s run %s: %v", flow, run.RunID, err)
	}
	metrics.PipelineRuns.WithLabelValues(flow, string(run.Status)).Inc()
	return run, failure
}

// IngestFlow fetches current observations, stores them raw and stores their
// feature rows.
type IngestFlow struct {
	fetcher ObservationFetcher
	store   IngestStore
	clock   clockwork.Clock

	// ExtendSkyCodes appends unseen sky conditions to the code table
	// instead of mapping them to the unknown code.
	ExtendSkyCodes bool
}

func NewIngestFlow(f ObservationFetcher, s IngestStore, clock clockwork.Clock) *IngestFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IngestFlow{fetcher: f, store: s, clock: clock}
}

func (f *IngestFlow) Run(ctx context.Context) (models.PipelineRun, error) {
	var (
		obs  []models.Observation
		rows []models.FeatureRow
	)
	return runSteps(ctx, f.clock, f.store.SavePipelineRun, FlowIngest, []flowStep{
		{StageIngest, func(ctx context.Context) error {
			var err error
			obs, err = f.fetcher.FetchCurrentObservations(ctx)
			if err != nil {
				return err
			}
			if len(obs) == 0 {
				return ErrNoData
			}
			total := 0
			for _, batch := range byStation(obs) {
				n, err := f.store.InsertObservations(ctx, batch)
				if err != nil {
					return err
				}
				metrics.ObservationsIngested.WithLabelValues(batch[0].StationID).Add(float64(n))
				total += n
			}
			log.Printf("pipeline: ingested %d observations (%d new)", len(obs), total)
			return nil
		}},
		{StageTransform, func(ctx context.Context) error {
			table, err := f.store.LoadCodeTable(ctx)
			if err != nil {
				return err
			}
			if f.ExtendSkyCodes {
				if next, changed := table.ExtendWith(obs); changed {
					if err := f.store.SaveCodeTable(ctx, next); err != nil {
						return err
					}
					log.Printf("pipeline: sky code table extended to version %d (%d codes)", next.Version(), next.Len())
					table = next
				}
			}
			rows, err = features.Transform(obs, table)
			return err
		}},
		{StagePublish, func(ctx context.Context) error {
			_, err := f.store.UpsertFeatureRows(ctx, rows)
			return err
		}},
	})
}

// byStation splits obs into per-station batches in first-seen order.
func byStation(obs []models.Observation) [][]models.Observation {
	index := make(map[string]int)
	var out [][]models.Observation
	for _, o := range obs {
		i, ok := index[o.StationID]
		if !ok {
			i = len(out)
			index[o.StationID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], o)
	}
	return out
}

// ForecastFlow collects the published forecast of every configured city.
// One city failing does not stop the others; the run fails only when none
// could be fetched.
type ForecastFlow struct {
	fetcher ForecastFetcher
	store   ForecastStore
	clock   clockwork.Clock
	cities  []string
}

func NewForecastFlow(f ForecastFetcher, s ForecastStore, cities []string, clock clockwork.Clock) *ForecastFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ForecastFlow{fetcher: f, store: s, cities: cities, clock: clock}
}

func (f *ForecastFlow) Run(ctx context.Context) (models.PipelineRun, error) {
	var rows []models.ForecastRow
	return runSteps(ctx, f.clock, f.store.SavePipelineRun, FlowForecast, []flowStep{
		{StageIngest, func(ctx context.Context) error {
			if len(f.cities) == 0 {
				return ErrNoData
			}
			var errs []error
			for _, city := range f.cities {
				fc, err := f.fetcher.FetchForecast(ctx, city)
				if err != nil {
					log.Printf("pipeline: forecast %s: %v", city, err)
					errs = append(errs, fmt.Errorf("%s: %w", city, err))
					continue
				}
				metrics.ForecastsIngested.WithLabelValues(city).Add(float64(len(fc)))
				rows = append(rows, fc...)
			}
			if len(errs) == len(f.cities) {
				return errors.Join(errs...)
			}
			if len(rows) == 0 {
				return ErrNoData
			}
			return nil
		}},
		{StagePublish, func(ctx context.Context) error {
			_, err := f.store.UpsertForecasts(ctx, rows)
			return err
		}},
	})
}

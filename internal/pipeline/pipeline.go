// Package pipeline runs the scheduled flows: hourly ingestion, daily
// forecast collection and the drift-triggered retrain and predict run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/clima/internal/drift"
	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/metrics"
	"github.com/lox/clima/internal/model"
	"github.com/lox/clima/internal/models"
	"github.com/lox/clima/internal/store"
	"github.com/lox/clima/internal/walkforward"
)

// ErrNoData fails a run that found nothing to work on.
var ErrNoData = errors.New("no data to post")

const (
	FlowIngest   = "ingest"
	FlowForecast = "forecast"
	FlowRetrain  = "retrain"
)

type Stage string

const (
	StageIngest     Stage = "Ingest"
	StageTransform  Stage = "Transform"
	StageDriftCheck Stage = "DriftCheck"
	StageRetrainMax Stage = "RetrainMax"
	StageRetrainMin Stage = "RetrainMin"
	StagePredict    Stage = "Predict"
	StagePublish    Stage = "Publish"
	StageCompleted  Stage = "Completed"
	StageFailed     Stage = "Failed"
)

func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// Store is the persistence the retrain pipeline reads and writes.
// *store.Store satisfies it.
type Store interface {
	GetObservations(ctx context.Context, f store.ObservationFilter) ([]models.Observation, error)
	LoadCodeTable(ctx context.Context) (*features.CodeTable, error)
	LatestDistribution(ctx context.Context) (string, []models.FeatureRow, error)
	SaveDistribution(ctx context.Context, windowID string, createdAt time.Time, rows []models.FeatureRow) error
	InsertPredictions(ctx context.Context, preds []models.Prediction) error
	SavePipelineRun(ctx context.Context, run models.PipelineRun) error
}

// Result is what a retrain run hands to its publisher.
type Result struct {
	Run         models.PipelineRun            `json:"run"`
	Drift       *drift.Report                 `json:"drift,omitempty"`
	Evaluations map[string]walkforward.Result `json:"evaluations,omitempty"`
	Predictions []models.Prediction           `json:"predictions"`
}

// Publisher receives the result of every retrain run that reaches Publish.
type Publisher interface {
	Publish(ctx context.Context, r Result) error
}

type Config struct {
	// Lookback bounds how far back Ingest reads observations.
	Lookback time.Duration
	// DriftWindow is the number of newest feature rows compared against the
	// reference window.
	DriftWindow int
	Drift       drift.Options
	Aggregate   features.AggregateOptions
	// WalkForward configures the informational evaluation of each retrain.
	// When Grid is set its candidates are searched instead of using
	// WalkForward's order.
	WalkForward walkforward.Config
	Grid        *walkforward.Grid
	// Trials is the number of hyperparameter samples per retrain.
	Trials int
	// EvalFraction is the share of the newest daily rows held out for
	// early stopping and hyperparameter selection.
	EvalFraction float64
}

func DefaultConfig() Config {
	return Config{
		Lookback:    90 * 24 * time.Hour,
		DriftWindow: 168,
		Drift:       drift.DefaultOptions(),
		Aggregate:   features.DefaultAggregateOptions(),
		WalkForward: walkforward.Config{
			Order:      walkforward.Order{P: 1},
			Seasonal:   walkforward.SeasonalOrder{P: 1, S: 7},
			WindowSize: 28,
			StepSize:   7,
			Horizon:    1,
		},
		Trials:       10,
		EvalFraction: 0.2,
	}
}

func (c Config) Validate() error {
	if c.Lookback <= 0 {
		return fmt.Errorf("pipeline: lookback must be positive")
	}
	if c.DriftWindow <= 0 {
		return fmt.Errorf("pipeline: drift window must be positive")
	}
	if c.DriftWindow < c.Drift.MinSamples {
		return fmt.Errorf("pipeline: drift window %d is smaller than drift min samples %d", c.DriftWindow, c.Drift.MinSamples)
	}
	if c.Trials <= 0 {
		return fmt.Errorf("pipeline: trials must be positive")
	}
	if c.EvalFraction <= 0 || c.EvalFraction >= 1 {
		return fmt.Errorf("pipeline: eval fraction must be in (0,1), got %v", c.EvalFraction)
	}
	return nil
}

// Run is the state of one retrain run as it moves through the stages.
type Run struct {
	Record models.PipelineRun
	Stage  Stage
	Err    error

	observations []models.Observation
	rows         []models.FeatureRow
	newest       []models.FeatureRow
	daily        []models.DailyAggregateRow
	drift        *drift.Report
	evaluations  map[string]walkforward.Result
	predictions  []models.Prediction
}

func (r *Run) Result() Result {
	return Result{
		Run:         r.Record,
		Drift:       r.drift,
		Evaluations: r.evaluations,
		Predictions: r.predictions,
	}
}

// Pipeline is the retrain state machine:
// Ingest, Transform, DriftCheck, RetrainMax, RetrainMin, Predict, Publish.
type Pipeline struct {
	store     Store
	models    *model.Manager
	publisher Publisher
	clock     clockwork.Clock
	cfg       Config
}

type Option func(*Pipeline)

func WithClock(c clockwork.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithPublisher(pub Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

func New(s Store, m *model.Manager, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{store: s, models: m, clock: clockwork.NewRealClock(), cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start opens a new run at the Ingest stage.
func (p *Pipeline) Start() *Run {
	return &Run{
		Record: models.PipelineRun{
			RunID:     uuid.NewString(),
			Flow:      FlowRetrain,
			StartedAt: p.clock.Now().UTC(),
			Stage:     string(StageIngest),
			Status:    models.RunRunning,
		},
		Stage: StageIngest,
	}
}

// Run drives a new run to a terminal stage. The returned error is the
// cause of a Failed run.
func (p *Pipeline) Run(ctx context.Context) (*Run, error) {
	run := p.Start()
	log.Printf("pipeline: retrain run %s started", run.Record.RunID)
	if err := p.store.SavePipelineRun(ctx, run.Record); err != nil {
		return run, fmt.Errorf("record run start: %w", err)
	}

	for !run.Stage.Terminal() {
		stage := run.Stage
		p.Step(ctx, run)
		if err := p.store.SavePipelineRun(ctx, run.Record); err != nil {
			if run.Stage != StageFailed {
				p.fail(run, stage, fmt.Errorf("record run: %w", err))
			}
			log.Printf("pipeline: record run %s: %v", run.Record.RunID, err)
			if err := p.store.SavePipelineRun(ctx, run.Record); err != nil {
				log.Printf("pipeline: record failed run %s: %v", run.Record.RunID, err)
			}
		}
	}

	metrics.PipelineRuns.WithLabelValues(FlowRetrain, string(run.Record.Status)).Inc()
	if run.Stage == StageFailed {
		log.Printf("pipeline: retrain run %s failed: %s", run.Record.RunID, run.Record.FailureReason)
		return run, run.Err
	}
	log.Printf("pipeline: retrain run %s completed (retrained %v, %d predictions)",
		run.Record.RunID, run.Record.Retrained, len(run.predictions))
	return run, nil
}

// Step executes the run's current stage and advances it to the next one.
func (p *Pipeline) Step(ctx context.Context, run *Run) Stage {
	if run.Stage.Terminal() {
		return run.Stage
	}
	start := time.Now()
	stage := run.Stage

	var (
		next Stage
		err  error
	)
	if err = ctx.Err(); err == nil {
		switch stage {
		case StageIngest:
			next, err = p.ingest(ctx, run)
		case StageTransform:
			next, err = p.transform(ctx, run)
		case StageDriftCheck:
			next, err = p.driftCheck(ctx, run)
		case StageRetrainMax:
			next, err = p.retrain(ctx, run, models.ModeMax)
		case StageRetrainMin:
			next, err = p.retrain(ctx, run, models.ModeMin)
		case StagePredict:
			next, err = p.predict(ctx, run)
		case StagePublish:
			next, err = p.publish(ctx, run)
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
	}
	metrics.StageDuration.WithLabelValues(FlowRetrain, string(stage)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.fail(run, stage, err)
		return run.Stage
	}
	run.Stage = next
	run.Record.Stage = string(next)
	if next == StageCompleted {
		finished := p.clock.Now().UTC()
		run.Record.FinishedAt = &finished
		run.Record.Status = models.RunCompleted
	}
	return next
}

func (p *Pipeline) fail(run *Run, stage Stage, err error) {
	finished := p.clock.Now().UTC()
	run.Err = fmt.Errorf("%s: %w", stage, err)
	run.Stage = StageFailed
	run.Record.Stage = string(StageFailed)
	run.Record.Status = models.RunFailed
	run.Record.FailureReason = run.Err.Error()
	run.Record.FinishedAt = &finished
}

func (p *Pipeline) ingest(ctx context.Context, run *Run) (Stage, error) {
	since := p.clock.Now().UTC().Add(-p.cfg.Lookback)
	obs, err := p.store.GetObservations(ctx, store.ObservationFilter{Since: since})
	if err != nil {
		return "", err
	}
	if len(obs) == 0 {
		return "", ErrNoData
	}
	run.observations = obs
	return StageTransform, nil
}

func (p *Pipeline) transform(ctx context.Context, run *Run) (Stage, error) {
	table, err := p.store.LoadCodeTable(ctx)
	if err != nil {
		return "", err
	}
	rows, err := features.Transform(run.observations, table)
	if err != nil {
		return "", err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ObservedAt.Before(rows[j].ObservedAt) })
	run.rows = rows
	run.observations = nil

	n := min(p.cfg.DriftWindow, len(rows))
	run.newest = rows[len(rows)-n:]
	return StageDriftCheck, nil
}

func (p *Pipeline) driftCheck(ctx context.Context, run *Run) (Stage, error) {
	servable, err := p.loadModels(ctx)
	if err != nil {
		return "", err
	}

	_, reference, err := p.store.LatestDistribution(ctx)
	if err != nil {
		return "", err
	}
	if len(reference) == 0 {
		// no snapshot yet: compare against the window preceding the newest
		end := len(run.rows) - len(run.newest)
		start := max(0, end-p.cfg.DriftWindow)
		reference = run.rows[start:end]
	}

	report, err := drift.Detect(reference, run.newest, p.cfg.Drift)
	switch {
	case errors.Is(err, drift.ErrInsufficientData):
		if servable {
			log.Printf("pipeline: drift check skipped (%v), serving existing models", err)
			return StagePredict, nil
		}
		log.Printf("pipeline: drift check skipped (%v), bootstrapping models", err)
		return StageRetrainMax, nil
	case err != nil:
		return "", err
	}

	run.drift = &report
	drifted := report.Drifted
	run.Record.Drifted = &drifted
	for name, pv := range report.PValues {
		metrics.DriftPValue.WithLabelValues(name).Set(pv)
	}

	if report.Drifted {
		metrics.DriftDetected.Inc()
		log.Printf("pipeline: drift detected on %v", report.DriftedFeatures)
		return StageRetrainMax, nil
	}
	if !servable {
		log.Printf("pipeline: no drift but no servable model, bootstrapping")
		return StageRetrainMax, nil
	}
	return StagePredict, nil
}

// loadModels loads the persisted current artifact of every mode that has no
// model in memory and reports whether all modes can serve.
func (p *Pipeline) loadModels(ctx context.Context) (bool, error) {
	ok := true
	for _, mode := range models.Modes {
		if p.models.HasModel(mode) {
			continue
		}
		a, err := p.models.Load(ctx, mode, "")
		if err != nil {
			return false, fmt.Errorf("load %s model: %w", mode, err)
		}
		if a == nil {
			ok = false
		}
	}
	return ok, nil
}

// retrain evaluates, optimizes, fits and saves one mode. A failure is
// recorded on the run and never stops the other mode. Only a failure to
// snapshot the new reference window fails the stage.
func (p *Pipeline) retrain(ctx context.Context, run *Run, mode models.Mode) (Stage, error) {
	next := StageRetrainMin
	if mode == models.ModeMin {
		next = StagePredict
	}

	if err := p.retrainMode(ctx, run, mode); err != nil {
		log.Printf("pipeline: retrain %s: %v", mode, err)
		metrics.Retrains.WithLabelValues(mode.String(), "error").Inc()
		run.Record.RetrainErrors = append(run.Record.RetrainErrors, fmt.Sprintf("%s: %v", mode, err))
	} else {
		metrics.Retrains.WithLabelValues(mode.String(), "success").Inc()
		run.Record.Retrained = append(run.Record.Retrained, mode.String())
	}

	if next == StagePredict && len(run.Record.Retrained) > 0 {
		windowID := drift.WindowID(run.newest)
		if err := p.store.SaveDistribution(ctx, windowID, p.clock.Now().UTC(), run.newest); err != nil {
			return "", fmt.Errorf("snapshot reference window: %w", err)
		}
		log.Printf("pipeline: reference window is now %s", windowID)
	}
	return next, nil
}

func (p *Pipeline) retrainMode(ctx context.Context, run *Run, mode models.Mode) error {
	p.models.SetState(model.StateTraining)
	defer p.models.SetState(model.StateServing)

	if run.daily == nil {
		daily, err := features.AggregateDaily(run.rows, p.cfg.Aggregate)
		if err != nil {
			return err
		}
		sort.SliceStable(daily, func(i, j int) bool { return daily[i].Date.Before(daily[j].Date) })
		run.daily = daily
	}
	if len(run.daily) < model.MinTrainingRows+1 {
		return fmt.Errorf("%w: %d daily rows", model.ErrInsufficientData, len(run.daily))
	}

	summary := p.evaluate(run, mode)

	nEval := max(1, int(math.Round(float64(len(run.daily))*p.cfg.EvalFraction)))
	train, eval := run.daily[:len(run.daily)-nEval], run.daily[len(run.daily)-nEval:]
	x, y := design(train, mode)
	ex, ey := design(eval, mode)

	if _, err := p.models.Optimize(ctx, x, y, ex, ey, mode, p.cfg.Trials); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	artifact, err := p.models.Fit(ctx, x, y, ex, ey, mode, nil,
		model.WithPipelineRun(run.Record.RunID), model.WithEvaluation(summary))
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := p.models.Save(ctx, mode); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	log.Printf("pipeline: %s model %s saved", mode, artifact.TrainingRunID)
	return nil
}

// evaluate runs the walk-forward evaluation of mode on the longest station
// series. It never fails the retrain; its summary is stored with the
// artifact.
func (p *Pipeline) evaluate(run *Run, mode models.Mode) map[string]float64 {
	series := longestSeries(run.daily, mode)

	var (
		result walkforward.Result
		err    error
		label  string
	)
	if p.cfg.Grid != nil {
		cfg := p.cfg.WalkForward
		var best walkforward.Candidate
		var rows []walkforward.SearchRow
		best, rows, err = walkforward.HyperparameterSearch(series, *p.cfg.Grid, cfg)
		if err == nil {
			label = best.String()
			for _, r := range rows {
				if r.Candidate == best {
					result = r.Result
				}
			}
		}
	} else {
		label = p.cfg.WalkForward.Order.String() + p.cfg.WalkForward.Seasonal.String()
		result, err = walkforward.Evaluate(series, p.cfg.WalkForward)
	}
	if err != nil {
		log.Printf("pipeline: walk-forward %s: %v", mode, err)
		return nil
	}

	if run.evaluations == nil {
		run.evaluations = make(map[string]walkforward.Result)
	}
	run.evaluations[mode.String()] = result
	if failed := result.FailedFolds(); failed > 0 {
		metrics.WalkForwardFoldFailures.WithLabelValues(mode.String()).Add(float64(failed))
	}

	summary := map[string]float64{
		"folds":        float64(len(result.Folds)),
		"failed_folds": float64(result.FailedFolds()),
	}
	for k, v := range result.Overall {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			summary[k] = v
		}
	}
	log.Printf("pipeline: walk-forward %s %s over %d points: %v", mode, label, len(series), result.Overall)
	return summary
}

func (p *Pipeline) predict(ctx context.Context, run *Run) (Stage, error) {
	if _, err := p.loadModels(ctx); err != nil {
		return "", err
	}

	latest, err := features.LatestDaily(run.rows, p.cfg.Aggregate)
	if err != nil {
		return "", err
	}
	if len(latest) == 0 {
		return "", fmt.Errorf("%w: no station has a full %d-sample window", ErrNoData, p.cfg.Aggregate.Window)
	}

	x := make([][]float64, len(latest))
	for i, r := range latest {
		x[i] = r.Vector()
	}
	highs, err := p.models.Predict(x, models.ModeMax)
	if err != nil {
		return "", err
	}
	lows, err := p.models.Predict(x, models.ModeMin)
	if err != nil {
		return "", err
	}

	var maxRun, minRun string
	if a := p.models.Artifact(models.ModeMax); a != nil {
		maxRun = a.TrainingRunID
	}
	if a := p.models.Artifact(models.ModeMin); a != nil {
		minRun = a.TrainingRunID
	}

	issued := p.clock.Now().UTC()
	preds := make([]models.Prediction, len(latest))
	for i, r := range latest {
		preds[i] = models.Prediction{
			StationID:        r.StationID,
			RunID:            run.Record.RunID,
			IssuedAt:         issued,
			TargetDate:       r.Date.AddDate(0, 0, 1),
			TempMax:          highs[i],
			TempMin:          lows[i],
			MaxTrainingRunID: maxRun,
			MinTrainingRunID: minRun,
		}
	}
	run.predictions = preds
	return StagePublish, nil
}

// publish hands the result to the publisher before persisting the
// predictions. A rejected result stores nothing.
func (p *Pipeline) publish(ctx context.Context, run *Run) (Stage, error) {
	if p.publisher != nil {
		result := run.Result()
		result.Run.Stage = string(StageCompleted)
		result.Run.Status = models.RunCompleted
		if err := p.publisher.Publish(ctx, result); err != nil {
			return "", fmt.Errorf("publish: %w", err)
		}
	}

	if err := p.store.InsertPredictions(ctx, run.predictions); err != nil {
		return "", err
	}
	metrics.PredictionsPublished.Add(float64(len(run.predictions)))
	return StageCompleted, nil
}

func design(rows []models.DailyAggregateRow, mode models.Mode) ([][]float64, []float64) {
	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = r.Vector()
		y[i] = r.Target(mode)
	}
	return x, y
}

// longestSeries returns the daily target series of the station with the
// most rows, with its temperature and pressure as regressors.
func longestSeries(daily []models.DailyAggregateRow, mode models.Mode) []walkforward.Point {
	counts := make(map[string]int)
	best := ""
	for _, r := range daily {
		counts[r.StationID]++
		if counts[r.StationID] > counts[best] || (counts[r.StationID] == counts[best] && r.StationID < best) {
			best = r.StationID
		}
	}

	var series []walkforward.Point
	for _, r := range daily {
		if r.StationID != best {
			continue
		}
		series = append(series, walkforward.Point{
			Time: r.Date,
			Y:    r.Target(mode),
			Exog: []float64{r.Temperature, r.Pressure},
		})
	}
	return series
}

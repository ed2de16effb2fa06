// Package model owns the per-mode forecasting models: hyperparameter
// search, fitting, artifact registration and serving.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/clima/internal/models"
)

var (
	ErrNotTrained         = errors.New("model: no model loaded")
	ErrTrainingMode       = errors.New("model: manager is in training mode")
	ErrTrainingInProgress = errors.New("model: training already in progress")
	ErrFit                = errors.New("model: fit failed")
	ErrInsufficientData   = errors.New("model: insufficient data")
)

// MinTrainingRows is the smallest training set Fit and Optimize accept.
const MinTrainingRows = 5

type State int

const (
	StateServing State = iota
	StateTraining
)

func (s State) String() string {
	if s == StateTraining {
		return "training"
	}
	return "serving"
}

// ArtifactStore persists fitted ensembles. LoadArtifact returns a nil
// artifact and no error when nothing matches.
type ArtifactStore interface {
	RegisterArtifact(ctx context.Context, a models.ModelArtifact, blob []byte) error
	PromoteArtifact(ctx context.Context, mode models.Mode, trainingRunID string) error
	LoadArtifact(ctx context.Context, mode models.Mode, trainingRunID string) (*models.ModelArtifact, []byte, error)
}

// SearchSpace bounds the random hyperparameter search.
type SearchSpace struct {
	MinEstimators, MaxEstimators int
	MinLearningRate              float64
	MaxLearningRate              float64
	MinDepth, MaxDepth           int
	MinSubsample, MinColsample   float64
	EarlyStoppingRounds          int
}

func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		MinEstimators:       200,
		MaxEstimators:       2000,
		MinLearningRate:     1e-3,
		MaxLearningRate:     0.1,
		MinDepth:            3,
		MaxDepth:            10,
		MinSubsample:        0.6,
		MinColsample:        0.6,
		EarlyStoppingRounds: 50,
	}
}

func (s SearchSpace) sample(rng *rand.Rand) Params {
	logLo, logHi := math.Log(s.MinLearningRate), math.Log(s.MaxLearningRate)
	return Params{
		NEstimators:         s.MinEstimators + rng.IntN(s.MaxEstimators-s.MinEstimators+1),
		LearningRate:        math.Exp(logLo + rng.Float64()*(logHi-logLo)),
		MaxDepth:            s.MinDepth + rng.IntN(s.MaxDepth-s.MinDepth+1),
		Subsample:           s.MinSubsample + rng.Float64()*(1-s.MinSubsample),
		Colsample:           s.MinColsample + rng.Float64()*(1-s.MinColsample),
		EarlyStoppingRounds: s.EarlyStoppingRounds,
		Seed:                rng.Uint64(),
	}
}

type slot struct {
	train    sync.Mutex
	params   *Params
	model    *Ensemble
	artifact *models.ModelArtifact
}

// Manager tracks one model per mode. Training of a mode is exclusive;
// different modes may train concurrently.
type Manager struct {
	store ArtifactStore
	clock clockwork.Clock
	space SearchSpace
	seed  uint64

	mu    sync.RWMutex
	state State
	slots map[models.Mode]*slot
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithSearchSpace(s SearchSpace) Option { return func(m *Manager) { m.space = s } }

func WithSeed(seed uint64) Option { return func(m *Manager) { m.seed = seed } }

func NewManager(store ArtifactStore, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		clock: clockwork.NewRealClock(),
		space: DefaultSearchSpace(),
		seed:  1,
		slots: make(map[models.Mode]*slot),
	}
	for _, mode := range models.Modes {
		m.slots[mode] = &slot{}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) slot(mode models.Mode) (*slot, error) {
	s, ok := m.slots[mode]
	if !ok {
		return nil, fmt.Errorf("model: unknown mode %s", mode)
	}
	return s, nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetState switches between serving and training. Predict is refused while
// training.
func (m *Manager) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		log.Printf("model: state %s -> %s", m.state, s)
	}
	m.state = s
}

// HasModel reports whether a model is loaded for mode.
func (m *Manager) HasModel(mode models.Mode) bool {
	s, err := m.slot(mode)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.model != nil
}

// Artifact returns the artifact of the loaded model for mode, or nil.
func (m *Manager) Artifact(mode models.Mode) *models.ModelArtifact {
	s, err := m.slot(mode)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s.artifact == nil {
		return nil
	}
	a := *s.artifact
	return &a
}

// Params returns the hyperparameters Fit uses when none are passed.
func (m *Manager) Params(mode models.Mode) Params {
	s, err := m.slot(mode)
	if err != nil {
		return DefaultParams()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s.params == nil {
		return DefaultParams()
	}
	return *s.params
}

// Optimize runs a random search over the manager's search space and keeps
// the parameters with the lowest eval RMSE for future fits. On any failure,
// including a panic inside training, the previous parameters stay in place.
func (m *Manager) Optimize(ctx context.Context, train [][]float64, trainY []float64, eval [][]float64, evalY []float64, mode models.Mode, trials int) (best Params, err error) {
	s, err := m.slot(mode)
	if err != nil {
		return Params{}, err
	}
	if !s.train.TryLock() {
		return Params{}, fmt.Errorf("%w: mode %s", ErrTrainingInProgress, mode)
	}
	defer s.train.Unlock()

	defer func() {
		if r := recover(); r != nil {
			best = Params{}
			err = fmt.Errorf("%w: optimize %s panicked: %v", ErrFit, mode, r)
		}
	}()

	if trials <= 0 {
		return Params{}, fmt.Errorf("model: trials must be positive, got %d", trials)
	}
	if len(train) < MinTrainingRows || len(eval) == 0 {
		return Params{}, fmt.Errorf("%w: %d training rows, %d eval rows", ErrInsufficientData, len(train), len(eval))
	}

	rng := rand.New(rand.NewPCG(m.seed, uint64(mode)+1))
	bestRMSE := math.Inf(1)
	var lastErr error
	for i := 0; i < trials; i++ {
		p := m.space.sample(rng)
		e, err := Train(ctx, train, trainY, eval, evalY, p)
		if err != nil {
			if ctx.Err() != nil {
				return Params{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if e.EvalRMSE < bestRMSE {
			bestRMSE = e.EvalRMSE
			best = p
		}
	}
	if math.IsInf(bestRMSE, 1) {
		return Params{}, fmt.Errorf("%w: no trial succeeded for %s: %v", ErrFit, mode, lastErr)
	}

	log.Printf("model: optimize %s best eval rmse %.3f over %d trials", mode, bestRMSE, trials)
	m.mu.Lock()
	s.params = &best
	m.mu.Unlock()
	return best, nil
}

type fitConfig struct {
	pipelineRunID string
	evaluation    map[string]float64
}

type FitOption func(*fitConfig)

// WithPipelineRun records the pipeline run that triggered the fit.
func WithPipelineRun(runID string) FitOption {
	return func(c *fitConfig) { c.pipelineRunID = runID }
}

// WithEvaluation attaches a walk-forward evaluation summary to the artifact.
func WithEvaluation(summary map[string]float64) FitOption {
	return func(c *fitConfig) { c.evaluation = summary }
}

// Fit trains a new ensemble for mode and registers it as a new artifact.
// params overrides the stored hyperparameters. The fitted model serves
// predictions immediately; Save makes it the persisted current model.
func (m *Manager) Fit(ctx context.Context, train [][]float64, trainY []float64, eval [][]float64, evalY []float64, mode models.Mode, params *Params, opts ...FitOption) (*models.ModelArtifact, error) {
	s, err := m.slot(mode)
	if err != nil {
		return nil, err
	}
	if !s.train.TryLock() {
		return nil, fmt.Errorf("%w: mode %s", ErrTrainingInProgress, mode)
	}
	defer s.train.Unlock()

	if len(train) < MinTrainingRows {
		return nil, fmt.Errorf("%w: %d training rows", ErrInsufficientData, len(train))
	}

	var cfg fitConfig
	for _, o := range opts {
		o(&cfg)
	}

	p := m.Params(mode)
	if params != nil {
		p = *params
	}

	e, err := Train(ctx, train, trainY, eval, evalY, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFit, mode, err)
	}

	blob, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode ensemble: %w", err)
	}
	artifact := models.ModelArtifact{
		Mode:          mode,
		TrainingRunID: uuid.NewString(),
		PipelineRunID: cfg.pipelineRunID,
		Hyperparams:   p.Map(),
		EvalRMSE:      e.EvalRMSE,
		BestIteration: e.BestIteration,
		Evaluation:    cfg.evaluation,
		CreatedAt:     m.clock.Now().UTC(),
	}
	if err := m.store.RegisterArtifact(ctx, artifact, blob); err != nil {
		return nil, fmt.Errorf("register artifact: %w", err)
	}

	log.Printf("model: fitted %s run %s (%d trees, eval rmse %.3f)",
		mode, artifact.TrainingRunID, e.BestIteration, e.EvalRMSE)

	m.mu.Lock()
	s.model = e
	s.artifact = &artifact
	if params != nil {
		s.params = &p
	}
	m.mu.Unlock()

	out := artifact
	return &out, nil
}

// Predict returns one prediction per feature row.
func (m *Manager) Predict(features [][]float64, mode models.Mode) ([]float64, error) {
	s, err := m.slot(mode)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	state, e := m.state, s.model
	m.mu.RUnlock()

	if state == StateTraining {
		return nil, ErrTrainingMode
	}
	if e == nil {
		return nil, fmt.Errorf("%w: mode %s", ErrNotTrained, mode)
	}
	return e.Predict(features)
}

// Save promotes the loaded artifact for mode to the persisted current one.
func (m *Manager) Save(ctx context.Context, mode models.Mode) error {
	s, err := m.slot(mode)
	if err != nil {
		return err
	}
	m.mu.RLock()
	a := s.artifact
	m.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("%w: mode %s", ErrNotTrained, mode)
	}

	if err := m.store.PromoteArtifact(ctx, mode, a.TrainingRunID); err != nil {
		return fmt.Errorf("promote artifact: %w", err)
	}

	m.mu.Lock()
	if s.artifact != nil && s.artifact.TrainingRunID == a.TrainingRunID {
		s.artifact.Current = true
	}
	m.mu.Unlock()
	return nil
}

// Load replaces the model for mode with the current artifact, or with the
// artifact of trainingRunID when given. It returns nil and no error when no
// artifact matches, leaving the loaded model untouched.
func (m *Manager) Load(ctx context.Context, mode models.Mode, trainingRunID string) (*models.ModelArtifact, error) {
	s, err := m.slot(mode)
	if err != nil {
		return nil, err
	}
	a, blob, err := m.store.LoadArtifact(ctx, mode, trainingRunID)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	if a == nil {
		return nil, nil
	}

	var e Ensemble
	if err := json.Unmarshal(blob, &e); err != nil {
		return nil, fmt.Errorf("decode ensemble %s: %w", a.TrainingRunID, err)
	}
	p := e.Params

	m.mu.Lock()
	s.model = &e
	s.artifact = a
	if s.params == nil {
		s.params = &p
	}
	m.mu.Unlock()

	out := *a
	return &out, nil
}

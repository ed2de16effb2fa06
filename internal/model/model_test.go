package model

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/clima/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	artifacts []models.ModelArtifact
	blobs     map[string][]byte
	current   map[models.Mode]string
	failWith  error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte), current: make(map[models.Mode]string)}
}

func (s *memStore) RegisterArtifact(ctx context.Context, a models.ModelArtifact, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.artifacts = append(s.artifacts, a)
	s.blobs[a.TrainingRunID] = blob
	return nil
}

func (s *memStore) PromoteArtifact(ctx context.Context, mode models.Mode, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[runID]; !ok {
		return errors.New("unknown artifact")
	}
	s.current[mode] = runID
	return nil
}

func (s *memStore) LoadArtifact(ctx context.Context, mode models.Mode, runID string) (*models.ModelArtifact, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		runID = s.current[mode]
	}
	for _, a := range s.artifacts {
		if a.Mode == mode && a.TrainingRunID == runID {
			a.Current = s.current[mode] == runID
			return &a, s.blobs[runID], nil
		}
	}
	return nil, nil, nil
}

// linearData returns rows where y = 3*x0 - 2*x1 + 10 plus a little noise.
func linearData(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = []float64{rng.Float64() * 10, rng.Float64() * 5, rng.Float64()}
		y[i] = 3*x[i][0] - 2*x[i][1] + 10 + 0.1*rng.NormFloat64()
	}
	return x, y
}

func smallParams() *Params {
	return &Params{
		NEstimators:         150,
		LearningRate:        0.1,
		MaxDepth:            3,
		Subsample:           1,
		Colsample:           1,
		EarlyStoppingRounds: 20,
		Seed:                3,
	}
}

func smallSpace() SearchSpace {
	return SearchSpace{
		MinEstimators:       20,
		MaxEstimators:       60,
		MinLearningRate:     0.05,
		MaxLearningRate:     0.3,
		MinDepth:            2,
		MaxDepth:            4,
		MinSubsample:        0.6,
		MinColsample:        0.6,
		EarlyStoppingRounds: 10,
	}
}

func TestPredictBeforeFit(t *testing.T) {
	m := NewManager(newMemStore())
	for _, mode := range models.Modes {
		_, err := m.Predict([][]float64{{1, 2, 3}}, mode)
		require.ErrorIs(t, err, ErrNotTrained)
	}
}

func TestFitThenPredict(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(store, WithClock(clock))
	ctx := context.Background()

	x, y := linearData(300, 1)
	ex, ey := linearData(80, 2)

	a, err := m.Fit(ctx, x, y, ex, ey, models.ModeMax, smallParams(), WithPipelineRun("run-1"))
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.NotEmpty(t, a.TrainingRunID)
	assert.Equal(t, "run-1", a.PipelineRunID)
	assert.Equal(t, clock.Now(), a.CreatedAt)
	assert.Equal(t, models.ModeMax, a.Mode)
	assert.Greater(t, a.BestIteration, 0)
	assert.Len(t, store.artifacts, 1)

	preds, err := m.Predict(ex, models.ModeMax)
	require.NoError(t, err)
	require.Len(t, preds, len(ex))
	var sq float64
	for i := range preds {
		sq += (preds[i] - ey[i]) * (preds[i] - ey[i])
	}
	assert.Less(t, math.Sqrt(sq/float64(len(preds))), 3.0)

	// the other mode stays untrained
	_, err = m.Predict(ex, models.ModeMin)
	require.ErrorIs(t, err, ErrNotTrained)
}

func TestFitRegistersFreshRunIDs(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()
	x, y := linearData(100, 1)

	a1, err := m.Fit(ctx, x, y, x, y, models.ModeMin, smallParams())
	require.NoError(t, err)
	a2, err := m.Fit(ctx, x, y, x, y, models.ModeMin, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a1.TrainingRunID, a2.TrainingRunID)
	assert.Len(t, store.artifacts, 2)
	// params passed to the first fit are reused by the second
	assert.Equal(t, a1.Hyperparams, a2.Hyperparams)
}

func TestTrainingModeRefusesPredict(t *testing.T) {
	m := NewManager(newMemStore())
	x, y := linearData(100, 1)
	_, err := m.Fit(context.Background(), x, y, x, y, models.ModeMax, smallParams())
	require.NoError(t, err)

	m.SetState(StateTraining)
	_, err = m.Predict(x, models.ModeMax)
	require.ErrorIs(t, err, ErrTrainingMode)

	m.SetState(StateServing)
	_, err = m.Predict(x, models.ModeMax)
	require.NoError(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	x, y := linearData(120, 1)

	m := NewManager(store)
	require.ErrorIs(t, m.Save(ctx, models.ModeMax), ErrNotTrained)

	a, err := m.Fit(ctx, x, y, x, y, models.ModeMax, smallParams())
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, models.ModeMax))
	assert.True(t, m.Artifact(models.ModeMax).Current)
	want, err := m.Predict(x[:5], models.ModeMax)
	require.NoError(t, err)

	fresh := NewManager(store)
	loaded, err := fresh.Load(ctx, models.ModeMax, "")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, a.TrainingRunID, loaded.TrainingRunID)
	assert.True(t, loaded.Current)

	got, err := fresh.Predict(x[:5], models.ModeMax)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-9)

	missing, err := fresh.Load(ctx, models.ModeMin, "")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = fresh.Load(ctx, models.ModeMax, "no-such-run")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.True(t, fresh.HasModel(models.ModeMax))
}

func TestFitInsufficientData(t *testing.T) {
	m := NewManager(newMemStore())
	x, y := linearData(3, 1)
	_, err := m.Fit(context.Background(), x, y, x, y, models.ModeMax, nil)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestFitBadDataIsFitError(t *testing.T) {
	m := NewManager(newMemStore())
	x, y := linearData(20, 1)
	y[3] = math.NaN()
	_, err := m.Fit(context.Background(), x, y, nil, nil, models.ModeMax, smallParams())
	require.ErrorIs(t, err, ErrFit)
	assert.False(t, m.HasModel(models.ModeMax))
	assert.Equal(t, DefaultParams(), m.Params(models.ModeMax), "failed fit must not keep its params")
}

func TestFitStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("disk full")
	m := NewManager(store)
	x, y := linearData(20, 1)

	_, err := m.Fit(context.Background(), x, y, nil, nil, models.ModeMax, smallParams())
	require.Error(t, err)
	assert.False(t, m.HasModel(models.ModeMax))
	assert.Equal(t, DefaultParams(), m.Params(models.ModeMax))

	store.failWith = nil
	_, err = m.Fit(context.Background(), x, y, nil, nil, models.ModeMax, smallParams())
	require.NoError(t, err)
	assert.Equal(t, *smallParams(), m.Params(models.ModeMax))
}

func TestTrainingInProgress(t *testing.T) {
	m := NewManager(newMemStore())
	s, err := m.slot(models.ModeMax)
	require.NoError(t, err)
	s.train.Lock()
	defer s.train.Unlock()

	x, y := linearData(20, 1)
	_, err = m.Fit(context.Background(), x, y, x, y, models.ModeMax, smallParams())
	require.ErrorIs(t, err, ErrTrainingInProgress)

	_, err = m.Optimize(context.Background(), x, y, x, y, models.ModeMax, 1)
	require.ErrorIs(t, err, ErrTrainingInProgress)

	// the other mode is unaffected
	_, err = m.Fit(context.Background(), x, y, x, y, models.ModeMin, smallParams())
	require.NoError(t, err)
}

func TestOptimizeKeepsBestParams(t *testing.T) {
	m := NewManager(newMemStore(), WithSearchSpace(smallSpace()), WithSeed(9))
	x, y := linearData(150, 1)
	ex, ey := linearData(50, 2)

	best, err := m.Optimize(context.Background(), x, y, ex, ey, models.ModeMin, 4)
	require.NoError(t, err)
	require.NoError(t, best.Validate())
	assert.Equal(t, best, m.Params(models.ModeMin))
	assert.Equal(t, DefaultParams(), m.Params(models.ModeMax))

	assert.GreaterOrEqual(t, best.NEstimators, 20)
	assert.LessOrEqual(t, best.NEstimators, 60)
	assert.GreaterOrEqual(t, best.LearningRate, 0.05)
	assert.LessOrEqual(t, best.LearningRate, 0.3)
}

func TestOptimizeFailureKeepsPriorParams(t *testing.T) {
	m := NewManager(newMemStore(), WithSearchSpace(smallSpace()))
	x, y := linearData(30, 1)

	prior := *smallParams()
	_, err := m.Fit(context.Background(), x, y, x, y, models.ModeMax, &prior)
	require.NoError(t, err)

	// mismatched eval width makes every trial fail
	bad := [][]float64{{1}, {2}}
	_, err = m.Optimize(context.Background(), x, y, bad, []float64{1, 2}, models.ModeMax, 3)
	require.ErrorIs(t, err, ErrFit)
	assert.Equal(t, prior, m.Params(models.ModeMax))

	// a broken search space panics inside sampling and fails closed
	m.space = SearchSpace{MinEstimators: 10, MaxEstimators: 5}
	_, err = m.Optimize(context.Background(), x, y, x, y, models.ModeMax, 1)
	require.ErrorIs(t, err, ErrFit)
	assert.Equal(t, prior, m.Params(models.ModeMax))

	// the training lock was released despite the panic
	_, err = m.Fit(context.Background(), x, y, x, y, models.ModeMax, nil)
	require.NoError(t, err)
}

func TestTrainEarlyStoppingTruncates(t *testing.T) {
	x, y := linearData(100, 1)
	ex, ey := linearData(40, 2)
	p := Params{NEstimators: 2000, LearningRate: 0.3, MaxDepth: 4, Subsample: 1, Colsample: 1, EarlyStoppingRounds: 5, Seed: 1}

	e, err := Train(context.Background(), x, y, ex, ey, p)
	require.NoError(t, err)
	assert.Less(t, e.BestIteration, 2000)
	assert.Len(t, e.Trees, e.BestIteration)
}

func TestTrainHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, y := linearData(20, 1)
	_, err := Train(ctx, x, y, nil, nil, *smallParams())
	require.ErrorIs(t, err, context.Canceled)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.Subsample = 0
	require.Error(t, p.Validate())

	p = DefaultParams()
	p.MaxDepth = 0
	require.Error(t, p.Validate())
}

package walkforward

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arSeries generates y_t = c + phi*y_{t-1} + beta*x_t + e_t with a seeded
// source so every run sees the same data.
func arSeries(n int, c, phi, beta, noise float64) []Point {
	rng := rand.New(rand.NewPCG(7, 11))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, n)
	prev := c / (1 - phi)
	for i := range points {
		x := rng.NormFloat64()
		y := c + phi*prev + beta*x + noise*rng.NormFloat64()
		points[i] = Point{Time: start.AddDate(0, 0, i), Y: y, Exog: []float64{x}}
		prev = y
	}
	return points
}

func TestFoldCount(t *testing.T) {
	tests := []struct {
		n, window, step, horizon int
		want                     int
	}{
		{200, 100, 10, 5, 10},
		{105, 100, 10, 5, 1},
		{104, 100, 10, 5, 0},
		{0, 100, 10, 5, 0},
		{30, 10, 1, 1, 20},
		{30, 10, 0, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FoldCount(tt.n, tt.window, tt.step, tt.horizon),
			"n=%d window=%d step=%d horizon=%d", tt.n, tt.window, tt.step, tt.horizon)
	}
}

func TestEvaluateFoldLayout(t *testing.T) {
	series := arSeries(200, 5, 0.6, 1.5, 0.3)
	cfg := Config{Order: Order{P: 1}, WindowSize: 100, StepSize: 10, Horizon: 5}

	res, err := Evaluate(series, cfg)
	require.NoError(t, err)
	require.Len(t, res.Folds, FoldCount(len(series), 100, 10, 5))

	ok := 0
	for i, f := range res.Folds {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, i*10, f.TrainStart)
		assert.Equal(t, f.TrainStart+100, f.TrainEnd)
		assert.Equal(t, f.TrainEnd, f.TestStart)
		assert.Equal(t, f.TestStart+5, f.TestEnd)
		assert.LessOrEqual(t, f.TestEnd, len(series))
		if f.OK() {
			ok++
		}
	}
	assert.Equal(t, len(res.Folds), ok)

	assert.Equal(t, len(res.Predictions), len(res.Actuals))
	assert.Equal(t, ok*cfg.Horizon, len(res.Predictions))
	assert.True(t, res.Usable())
	assert.Contains(t, res.PerFold, "rmse")
	assert.Greater(t, res.Overall["rmse"], 0.0)
	assert.Less(t, res.Overall["rmse"], 2.0)
}

func TestEvaluateAllFoldsFail(t *testing.T) {
	series := arSeries(60, 5, 0.6, 1.5, 0.3)
	cfg := Config{Order: Order{P: 3, Q: 3}, WindowSize: 5, StepSize: 5, Horizon: 2}

	res, err := Evaluate(series, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.Folds)
	for _, f := range res.Folds {
		assert.ErrorIs(t, f.Err, ErrTooFewRows)
	}
	assert.False(t, res.Usable())
	assert.Empty(t, res.Overall)
	assert.Empty(t, res.Predictions)
	assert.Equal(t, len(res.Folds), res.FailedFolds())
}

func TestEvaluatePoolsOnlySucceededFolds(t *testing.T) {
	series := arSeries(65, 5, 0.6, 1.5, 0.3)
	// a ragged regressor row inside the first two training windows only
	series[6].Exog = nil
	cfg := Config{Order: Order{P: 1}, WindowSize: 20, StepSize: 5, Horizon: 5}

	res, err := Evaluate(series, cfg)
	require.NoError(t, err)
	require.Len(t, res.Folds, 9)
	assert.Equal(t, 2, res.FailedFolds())

	var preds, actuals []float64
	for _, f := range res.Folds {
		if f.Index < 2 {
			assert.Error(t, f.Err, "fold %d", f.Index)
			assert.Empty(t, f.Predictions)
			continue
		}
		require.NoError(t, f.Err, "fold %d", f.Index)
		preds = append(preds, f.Predictions...)
		actuals = append(actuals, f.Actuals...)
	}

	require.Len(t, res.Predictions, 7*cfg.Horizon)
	require.Len(t, res.Actuals, 7*cfg.Horizon)
	assert.Equal(t, preds, res.Predictions)
	assert.Equal(t, actuals, res.Actuals)

	assert.True(t, res.Usable())
	mae, rmse, _ := errorMetrics(preds, actuals)
	assert.InDelta(t, mae, res.Overall["mae"], 1e-12)
	assert.InDelta(t, rmse, res.Overall["rmse"], 1e-12)
	assert.False(t, math.IsNaN(res.PerFold["rmse"].Mean))
}

func TestEvaluateInvalidConfig(t *testing.T) {
	series := arSeries(50, 5, 0.6, 1.5, 0.3)
	_, err := Evaluate(series, Config{Order: Order{P: 1}, WindowSize: 10, StepSize: 0, Horizon: 1})
	require.Error(t, err)

	_, err = Evaluate(series, Config{Seasonal: SeasonalOrder{P: 1}, WindowSize: 10, StepSize: 1, Horizon: 1})
	require.Error(t, err)
}

func TestFitRecoversARX(t *testing.T) {
	series := arSeries(600, 5, 0.7, 2, 0.1)
	y, exog := split(series)

	m, err := Fit(y, exog, Order{P: 1}, SeasonalOrder{})
	require.NoError(t, err)

	coef := m.Coefficients()
	require.Len(t, coef, 3)
	assert.InDelta(t, 5.0, coef[0], 0.3)
	assert.InDelta(t, 0.7, coef[1], 0.05)
	assert.InDelta(t, 2.0, coef[2], 0.05)
}

func TestFitWithMovingAverage(t *testing.T) {
	series := arSeries(300, 5, 0.5, 1, 0.5)
	y, exog := split(series)

	m, err := Fit(y, exog, Order{P: 1, Q: 1}, SeasonalOrder{P: 1, S: 7})
	require.NoError(t, err)

	future := [][]float64{{0.1}, {-0.2}, {0.3}}
	preds, err := m.Forecast(3, future)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	for _, p := range preds {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
	}
}

func TestForecastRandomWalk(t *testing.T) {
	y := []float64{1, 3, 2, 5, 4, 6}
	m, err := Fit(y, nil, Order{D: 1}, SeasonalOrder{})
	require.NoError(t, err)

	preds, err := m.Forecast(3, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 6, 6}, preds)
}

func TestForecastRegressorMismatch(t *testing.T) {
	series := arSeries(100, 5, 0.5, 1, 0.1)
	y, exog := split(series)
	m, err := Fit(y, exog, Order{P: 1}, SeasonalOrder{})
	require.NoError(t, err)

	_, err = m.Forecast(2, [][]float64{{1}})
	require.Error(t, err)
	_, err = m.Forecast(1, [][]float64{{1, 2}})
	require.Error(t, err)
}

func TestDifferencingPolynomial(t *testing.T) {
	assert.Equal(t, []float64{1}, differencingPolynomial(0, 0, 0))
	assert.Equal(t, []float64{1, -2, 1}, differencingPolynomial(2, 0, 0))
	assert.Equal(t, []float64{1, -1, 0, 0, -1, 1}, differencingPolynomial(1, 1, 4))
}

func TestLags(t *testing.T) {
	assert.Equal(t, []int{1, 2, 7, 14}, lags(2, 2, 7))
	assert.Equal(t, []int{1, 2}, lags(2, 1, 2))
	assert.Nil(t, lags(0, 0, 0))
}

func TestErrorMetricsSkipsZeroActuals(t *testing.T) {
	mae, rmse, mape := errorMetrics([]float64{1, 2}, []float64{0, 1})
	assert.InDelta(t, 1.0, mae, 1e-12)
	assert.InDelta(t, 1.0, rmse, 1e-12)
	assert.InDelta(t, 100.0, mape, 1e-12)

	_, _, mape = errorMetrics([]float64{1}, []float64{0})
	assert.True(t, math.IsNaN(mape))
}

func TestHyperparameterSearch(t *testing.T) {
	series := arSeries(120, 5, 0.6, 1.5, 0.3)
	cfg := Config{WindowSize: 20, StepSize: 10, Horizon: 3}
	grid := Grid{Orders: []Order{{P: 1}, {P: 0}, {P: 9, Q: 9}}}

	best, table, err := HyperparameterSearch(series, grid, cfg)
	require.NoError(t, err)
	require.Len(t, table, 3)

	assert.NotEqual(t, Order{P: 9, Q: 9}, best.Order)
	assert.Error(t, table[2].Err)
	assert.True(t, math.IsNaN(table[2].MeanRMSE))
	for _, row := range table[:2] {
		require.NoError(t, row.Err)
		if row.Candidate == best {
			for _, other := range table[:2] {
				assert.LessOrEqual(t, row.MeanRMSE, other.MeanRMSE)
			}
		}
	}
}

func TestHyperparameterSearchNoUsableCandidate(t *testing.T) {
	series := arSeries(40, 5, 0.6, 1.5, 0.3)
	cfg := Config{WindowSize: 6, StepSize: 5, Horizon: 2}
	grid := Grid{Orders: []Order{{P: 5, Q: 5}}}

	_, table, err := HyperparameterSearch(series, grid, cfg)
	require.ErrorIs(t, err, ErrNoUsableCandidate)
	require.Len(t, table, 1)
}

func TestDefaultGrid(t *testing.T) {
	g := DefaultGrid(7)
	assert.Len(t, g.Candidates(), 18*2)
	assert.Len(t, DefaultGrid(0).Candidates(), 18)
}

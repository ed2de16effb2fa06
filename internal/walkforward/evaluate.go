// Package walkforward scores forecasting models on rolling train/test folds.
package walkforward

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Point is one step of a series: the target value and the regressors known
// at that time.
type Point struct {
	Time time.Time
	Y    float64
	Exog []float64
}

type Config struct {
	Order      Order
	Seasonal   SeasonalOrder
	WindowSize int
	StepSize   int
	Horizon    int
}

func (c Config) validate() error {
	if c.WindowSize <= 0 || c.StepSize <= 0 || c.Horizon <= 0 {
		return fmt.Errorf("walkforward: window, step and horizon must be positive (got %d, %d, %d)",
			c.WindowSize, c.StepSize, c.Horizon)
	}
	if err := c.Order.validate(); err != nil {
		return err
	}
	return c.Seasonal.validate()
}

// Fold is one train/test split. Ranges are half-open indexes into the series.
type Fold struct {
	Index       int       `json:"index"`
	TrainStart  int       `json:"train_start"`
	TrainEnd    int       `json:"train_end"`
	TestStart   int       `json:"test_start"`
	TestEnd     int       `json:"test_end"`
	MAE         float64   `json:"mae"`
	RMSE        float64   `json:"rmse"`
	MAPE        float64   `json:"mape"`
	Predictions []float64 `json:"predictions,omitempty"`
	Actuals     []float64 `json:"actuals,omitempty"`
	Err         error     `json:"-"`
}

func (f Fold) OK() bool { return f.Err == nil }

type Summary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Result holds every attempted fold in order. PerFold and Overall only
// reflect folds that succeeded; Overall is empty when none did.
type Result struct {
	Folds       []Fold             `json:"folds"`
	PerFold     map[string]Summary `json:"per_fold"`
	Overall     map[string]float64 `json:"overall"`
	Predictions []float64          `json:"predictions"`
	Actuals     []float64          `json:"actuals"`
}

// Usable reports whether at least one fold produced metrics.
func (r Result) Usable() bool { return len(r.Overall) > 0 }

func (r Result) FailedFolds() int {
	n := 0
	for _, f := range r.Folds {
		if !f.OK() {
			n++
		}
	}
	return n
}

// FoldCount is the number of folds Evaluate produces for a series of n
// points.
func FoldCount(n, window, step, horizon int) int {
	if window <= 0 || step <= 0 || horizon <= 0 || n < window+horizon {
		return 0
	}
	return (n-window-horizon)/step + 1
}

// Evaluate fits cfg's model on each training window and scores its forecast
// over the following horizon. Only an invalid configuration is an error;
// per-fold failures are recorded on the fold.
func Evaluate(series []Point, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	res := Result{
		PerFold: make(map[string]Summary),
		Overall: make(map[string]float64),
	}
	n := FoldCount(len(series), cfg.WindowSize, cfg.StepSize, cfg.Horizon)
	for i := 0; i < n; i++ {
		start := i * cfg.StepSize
		fold := Fold{
			Index:      i,
			TrainStart: start,
			TrainEnd:   start + cfg.WindowSize,
			TestStart:  start + cfg.WindowSize,
			TestEnd:    start + cfg.WindowSize + cfg.Horizon,
		}
		fold.Err = runFold(series, cfg, &fold)
		res.Folds = append(res.Folds, fold)
		if fold.OK() {
			res.Predictions = append(res.Predictions, fold.Predictions...)
			res.Actuals = append(res.Actuals, fold.Actuals...)
		}
	}

	var maes, rmses, mapes []float64
	for _, f := range res.Folds {
		if !f.OK() {
			continue
		}
		maes = append(maes, f.MAE)
		rmses = append(rmses, f.RMSE)
		if !math.IsNaN(f.MAPE) {
			mapes = append(mapes, f.MAPE)
		}
	}
	if len(maes) == 0 {
		return res, nil
	}

	res.PerFold["mae"] = summarize(maes)
	res.PerFold["rmse"] = summarize(rmses)
	if len(mapes) > 0 {
		res.PerFold["mape"] = summarize(mapes)
	}

	mae, rmse, mape := errorMetrics(res.Predictions, res.Actuals)
	res.Overall["mae"] = mae
	res.Overall["rmse"] = rmse
	if !math.IsNaN(mape) {
		res.Overall["mape"] = mape
	}
	return res, nil
}

func runFold(series []Point, cfg Config, fold *Fold) error {
	train := series[fold.TrainStart:fold.TrainEnd]
	test := series[fold.TestStart:fold.TestEnd]

	y, exog := split(train)
	model, err := Fit(y, exog, cfg.Order, cfg.Seasonal)
	if err != nil {
		return fmt.Errorf("fold %d fit: %w", fold.Index, err)
	}
	actuals, future := split(test)
	preds, err := model.Forecast(cfg.Horizon, future)
	if err != nil {
		return fmt.Errorf("fold %d forecast: %w", fold.Index, err)
	}

	fold.Predictions = preds
	fold.Actuals = actuals
	fold.MAE, fold.RMSE, fold.MAPE = errorMetrics(preds, actuals)
	return nil
}

func split(points []Point) ([]float64, [][]float64) {
	y := make([]float64, len(points))
	var exog [][]float64
	for i, p := range points {
		y[i] = p.Y
		if len(p.Exog) > 0 {
			if exog == nil {
				exog = make([][]float64, len(points))
			}
			exog[i] = p.Exog
		}
	}
	return y, exog
}

// errorMetrics returns MAE, RMSE and MAPE (percent). Zero actuals are left
// out of MAPE, which is NaN when every actual is zero.
func errorMetrics(pred, actual []float64) (mae, rmse, mape float64) {
	var sumAbs, sumSq, sumPct float64
	nPct := 0
	for i := range pred {
		e := pred[i] - actual[i]
		sumAbs += math.Abs(e)
		sumSq += e * e
		if actual[i] != 0 {
			sumPct += math.Abs(e / actual[i])
			nPct++
		}
	}
	n := float64(len(pred))
	mae = sumAbs / n
	rmse = math.Sqrt(sumSq / n)
	mape = math.NaN()
	if nPct > 0 {
		mape = 100 * sumPct / float64(nPct)
	}
	return mae, rmse, mape
}

func summarize(xs []float64) Summary {
	mean, std := stat.PopMeanStdDev(xs, nil)
	return Summary{Mean: mean, Std: std}
}

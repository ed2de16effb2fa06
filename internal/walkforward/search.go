package walkforward

import (
	"errors"
	"fmt"
	"log"
	"math"
)

var ErrNoUsableCandidate = errors.New("walkforward: no candidate produced a usable evaluation")

type Candidate struct {
	Order    Order         `json:"order"`
	Seasonal SeasonalOrder `json:"seasonal"`
}

func (c Candidate) String() string { return c.Order.String() + c.Seasonal.String() }

// Grid is the cross product of orders and seasonal orders to try.
type Grid struct {
	Orders    []Order
	Seasonals []SeasonalOrder
}

// DefaultGrid covers p,q in {0,1,2}, d in {0,1} with an optional daily
// seasonal AR term at period s.
func DefaultGrid(s int) Grid {
	var g Grid
	for p := 0; p <= 2; p++ {
		for d := 0; d <= 1; d++ {
			for q := 0; q <= 2; q++ {
				g.Orders = append(g.Orders, Order{P: p, D: d, Q: q})
			}
		}
	}
	g.Seasonals = []SeasonalOrder{{}}
	if s >= 2 {
		g.Seasonals = append(g.Seasonals, SeasonalOrder{P: 1, S: s})
	}
	return g
}

func (g Grid) Candidates() []Candidate {
	seasonals := g.Seasonals
	if len(seasonals) == 0 {
		seasonals = []SeasonalOrder{{}}
	}
	out := make([]Candidate, 0, len(g.Orders)*len(seasonals))
	for _, o := range g.Orders {
		for _, s := range seasonals {
			out = append(out, Candidate{Order: o, Seasonal: s})
		}
	}
	return out
}

// SearchRow is one line of the search results table.
type SearchRow struct {
	Candidate Candidate `json:"candidate"`
	MeanRMSE  float64   `json:"mean_rmse"`
	Result    Result    `json:"-"`
	Err       error     `json:"-"`
}

// HyperparameterSearch evaluates every grid candidate with cfg's window,
// step and horizon, and returns the candidate with the lowest mean fold
// RMSE. Candidates that error or produce no usable evaluation are logged and
// skipped; the table includes them with Err set.
func HyperparameterSearch(series []Point, grid Grid, cfg Config) (Candidate, []SearchRow, error) {
	var (
		best     Candidate
		bestRMSE = math.Inf(1)
		found    bool
		table    []SearchRow
	)

	for _, c := range grid.Candidates() {
		run := cfg
		run.Order = c.Order
		run.Seasonal = c.Seasonal

		row := SearchRow{Candidate: c, MeanRMSE: math.NaN()}
		res, err := Evaluate(series, run)
		switch {
		case err != nil:
			row.Err = err
		case !res.Usable():
			row.Err = fmt.Errorf("no usable evaluation: %d of %d folds failed", res.FailedFolds(), len(res.Folds))
		default:
			row.Result = res
			row.MeanRMSE = res.PerFold["rmse"].Mean
		}
		table = append(table, row)

		if row.Err != nil {
			log.Printf("walkforward: skipping %s: %v", c, row.Err)
			continue
		}
		if row.MeanRMSE < bestRMSE {
			best, bestRMSE, found = c, row.MeanRMSE, true
		}
	}

	if !found {
		return Candidate{}, table, ErrNoUsableCandidate
	}
	return best, table, nil
}

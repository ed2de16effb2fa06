// Package drift decides whether a recent window of feature rows still looks
// like the reference window the serving models were trained on.
package drift

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/clima/internal/models"
)

var ErrInsufficientData = errors.New("drift: insufficient data")

// SkyCodeFeature is the name reported for the categorical sky code test.
const SkyCodeFeature = "sky_code"

type Options struct {
	// Significance is the p-value at or below which a feature drifts.
	Significance float64
	// MinSamples is the minimum size of each window. It must be positive.
	MinSamples int
}

func DefaultOptions() Options {
	return Options{Significance: 0.05, MinSamples: 30}
}

type Report struct {
	PValues            map[string]float64 `json:"p_values"`
	Statistics         map[string]float64 `json:"statistics"`
	Drifted            bool               `json:"drifted"`
	DriftedFeatures    []string           `json:"drifted_features"`
	ReferenceWindowID  string             `json:"reference_window_id"`
	ComparisonWindowID string             `json:"comparison_window_id"`
}

// MonitoredFeatures lists every feature Detect tests, in report order.
func MonitoredFeatures() []string {
	return append(append([]string(nil), models.NumericFeatures...), SkyCodeFeature)
}

// Detect compares every monitored feature of recent against reference.
// Numeric features use a two-sample Kolmogorov-Smirnov test and the sky code
// a chi-square test of homogeneity. The verdict is the OR over features with
// no multiple-comparison correction, so identically distributed windows drift
// more often than Significance.
func Detect(reference, recent []models.FeatureRow, opts Options) (Report, error) {
	if opts.MinSamples <= 0 {
		return Report{}, fmt.Errorf("drift: MinSamples must be positive, got %d", opts.MinSamples)
	}
	if opts.Significance <= 0 || opts.Significance >= 1 {
		return Report{}, fmt.Errorf("drift: significance must be in (0,1), got %v", opts.Significance)
	}
	if len(reference) < opts.MinSamples || len(recent) < opts.MinSamples {
		return Report{}, fmt.Errorf("%w: reference has %d rows, recent has %d, need %d",
			ErrInsufficientData, len(reference), len(recent), opts.MinSamples)
	}

	report := Report{
		PValues:            make(map[string]float64),
		Statistics:         make(map[string]float64),
		ReferenceWindowID:  WindowID(reference),
		ComparisonWindowID: WindowID(recent),
	}

	for f, name := range models.NumericFeatures {
		x := column(reference, f)
		y := column(recent, f)
		d := stat.KolmogorovSmirnov(x, nil, y, nil)
		report.Statistics[name] = d
		report.PValues[name] = ksPValue(d, len(x), len(y))
	}

	chi2, df := chiSquareHomogeneity(skyCodes(reference), skyCodes(recent))
	report.Statistics[SkyCodeFeature] = chi2
	if df < 1 {
		report.PValues[SkyCodeFeature] = 1
	} else {
		report.PValues[SkyCodeFeature] = distuv.ChiSquared{K: float64(df)}.Survival(chi2)
	}

	for _, name := range MonitoredFeatures() {
		p := report.PValues[name]
		if math.IsNaN(p) || p <= opts.Significance {
			report.Drifted = true
			report.DriftedFeatures = append(report.DriftedFeatures, name)
		}
	}
	return report, nil
}

// WindowID names a window by its station-independent time span.
func WindowID(rows []models.FeatureRow) string {
	if len(rows) == 0 {
		return ""
	}
	first, last := rows[0].ObservedAt, rows[0].ObservedAt
	for _, r := range rows[1:] {
		if r.ObservedAt.Before(first) {
			first = r.ObservedAt
		}
		if r.ObservedAt.After(last) {
			last = r.ObservedAt
		}
	}
	return fmt.Sprintf("%s/%s/%d", first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339), len(rows))
}

func column(rows []models.FeatureRow, f int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Numeric()[f]
	}
	sort.Float64s(out)
	return out
}

func skyCodes(rows []models.FeatureRow) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.SkyCode
	}
	return out
}

// ksPValue is the asymptotic two-sided p-value of the two-sample KS
// statistic d, using Stephens' small-sample correction.
func ksPValue(d float64, n, m int) float64 {
	if math.IsNaN(d) {
		return math.NaN()
	}
	if d <= 0 {
		return 1
	}
	en := math.Sqrt(float64(n) * float64(m) / float64(n+m))
	lambda := (en + 0.12 + 0.11/en) * d
	return kolmogorovQ(lambda)
}

// kolmogorovQ evaluates Q(λ) = 2 Σ (-1)^(k-1) exp(-2k²λ²).
func kolmogorovQ(lambda float64) float64 {
	const (
		eps1 = 1e-6
		eps2 = 1e-16
	)
	a2 := -2 * lambda * lambda
	fac := 2.0
	sum := 0.0
	prev := 0.0
	for k := 1; k <= 100; k++ {
		term := fac * math.Exp(a2*float64(k*k))
		sum += term
		if math.Abs(term) <= eps1*prev || math.Abs(term) <= eps2*sum {
			return math.Min(1, math.Max(0, sum))
		}
		fac = -fac
		prev = math.Abs(term)
	}
	// no convergence means λ is tiny and the distributions are indistinguishable
	return 1
}

// chiSquareHomogeneity builds the 2×k contingency table of category counts
// and returns the Pearson statistic and its degrees of freedom.
func chiSquareHomogeneity(a, b []int) (float64, int) {
	countA := make(map[int]float64)
	countB := make(map[int]float64)
	for _, c := range a {
		countA[c]++
	}
	for _, c := range b {
		countB[c]++
	}
	categories := make(map[int]bool)
	for c := range countA {
		categories[c] = true
	}
	for c := range countB {
		categories[c] = true
	}
	if len(categories) < 2 {
		return 0, 0
	}

	na, nb := float64(len(a)), float64(len(b))
	total := na + nb
	chi2 := 0.0
	for c := range categories {
		col := countA[c] + countB[c]
		ea := na * col / total
		eb := nb * col / total
		chi2 += (countA[c]-ea)*(countA[c]-ea)/ea + (countB[c]-eb)*(countB[c]-eb)/eb
	}
	return chi2, len(categories) - 1
}

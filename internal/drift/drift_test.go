package drift

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/clima/internal/models"
)

// normalWindow returns n hourly rows whose temperatures are the evenly spaced
// quantiles of N(mu, sigma), so the sample follows the distribution exactly.
func normalWindow(start time.Time, n int, mu, sigma float64) []models.FeatureRow {
	dist := distuv.Normal{Mu: mu, Sigma: sigma}
	rows := make([]models.FeatureRow, n)
	for i := range rows {
		rows[i] = models.FeatureRow{
			StationID:   "SBGR",
			ObservedAt:  start.Add(time.Duration(i) * time.Hour),
			Pressure:    1013,
			Temperature: dist.Quantile((float64(i) + 0.5) / float64(n)),
			SkyCode:     16 + i%3,
			Humidity:    0.6,
			WindDirSin:  1,
			WindDirCos:  0,
			WindSpeed:   10,
			Visibility:  10,
		}
	}
	return rows
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDetectSelfComparison(t *testing.T) {
	rows := normalWindow(t0, 200, 20, 2)

	report, err := Detect(rows, rows, DefaultOptions())
	require.NoError(t, err)

	assert.False(t, report.Drifted)
	assert.Empty(t, report.DriftedFeatures)
	for _, name := range MonitoredFeatures() {
		assert.InDelta(t, 1.0, report.PValues[name], 1e-9, name)
	}
	assert.Equal(t, report.ReferenceWindowID, report.ComparisonWindowID)
}

func TestDetectSameDistribution(t *testing.T) {
	reference := normalWindow(t0, 500, 20, 2)
	recent := normalWindow(t0.Add(500*time.Hour), 400, 20, 2)

	report, err := Detect(reference, recent, DefaultOptions())
	require.NoError(t, err)

	assert.False(t, report.Drifted)
	assert.Greater(t, report.PValues["temperature"], 0.5)
	assert.NotEqual(t, report.ReferenceWindowID, report.ComparisonWindowID)
}

func TestDetectShiftedTemperature(t *testing.T) {
	reference := normalWindow(t0, 500, 20, 2)
	recent := normalWindow(t0.Add(500*time.Hour), 400, 30, 2)

	report, err := Detect(reference, recent, DefaultOptions())
	require.NoError(t, err)

	assert.True(t, report.Drifted)
	assert.Equal(t, []string{"temperature"}, report.DriftedFeatures)
	assert.LessOrEqual(t, report.PValues["temperature"], 0.05)
	assert.Greater(t, report.Statistics["temperature"], 0.9)
}

func TestDetectSkyCodeShift(t *testing.T) {
	reference := normalWindow(t0, 300, 20, 2)
	recent := normalWindow(t0.Add(300*time.Hour), 300, 20, 2)
	for i := range recent {
		recent[i].SkyCode = 3
	}

	report, err := Detect(reference, recent, DefaultOptions())
	require.NoError(t, err)

	assert.True(t, report.Drifted)
	assert.Contains(t, report.DriftedFeatures, SkyCodeFeature)
	assert.NotContains(t, report.DriftedFeatures, "temperature")
}

func TestDetectInsufficientData(t *testing.T) {
	rows := normalWindow(t0, 10, 20, 2)

	_, err := Detect(rows, normalWindow(t0, 100, 20, 2), DefaultOptions())
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = Detect(normalWindow(t0, 100, 20, 2), rows, DefaultOptions())
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestDetectRejectsBadOptions(t *testing.T) {
	rows := normalWindow(t0, 100, 20, 2)

	_, err := Detect(rows, rows, Options{Significance: 0.05})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientData)

	_, err = Detect(rows, rows, Options{Significance: 0, MinSamples: 10})
	require.Error(t, err)
}

func TestKSPValue(t *testing.T) {
	assert.Equal(t, 1.0, ksPValue(0, 100, 100))
	assert.True(t, math.IsNaN(ksPValue(math.NaN(), 100, 100)))

	// critical value of D for α=0.05 with n=m=100 is about 1.36*sqrt(2/100)
	crit := 1.36 * math.Sqrt(2.0/100)
	assert.InDelta(t, 0.05, ksPValue(crit, 100, 100), 0.01)

	assert.Less(t, ksPValue(0.5, 100, 100), 1e-6)
}

func TestChiSquareHomogeneity(t *testing.T) {
	chi2, df := chiSquareHomogeneity([]int{1, 1, 1}, []int{1, 1})
	assert.Equal(t, 0.0, chi2)
	assert.Equal(t, 0, df)

	chi2, df = chiSquareHomogeneity([]int{1, 1, 2, 2}, []int{1, 2, 1, 2})
	assert.InDelta(t, 0.0, chi2, 1e-12)
	assert.Equal(t, 1, df)

	// 2x2 table [[10,0],[0,10]] has chi2 = 20
	a := make([]int, 10)
	b := make([]int, 10)
	for i := range b {
		b[i] = 1
	}
	chi2, df = chiSquareHomogeneity(a, b)
	assert.InDelta(t, 20.0, chi2, 1e-9)
	assert.Equal(t, 1, df)
}

// randomWindow draws n hourly rows with every feature independent of time.
// Temperature is N(mu, 2); the other features keep fixed distributions.
func randomWindow(rng *rand.Rand, start time.Time, n int, mu float64) []models.FeatureRow {
	rows := make([]models.FeatureRow, n)
	for i := range rows {
		dir := rng.Float64() * 2 * math.Pi
		rows[i] = models.FeatureRow{
			StationID:   "SBGR",
			ObservedAt:  start.Add(time.Duration(i) * time.Hour),
			Pressure:    1013 + 4*rng.NormFloat64(),
			Temperature: mu + 2*rng.NormFloat64(),
			SkyCode:     16 + rng.IntN(3),
			Humidity:    0.6 + 0.1*rng.NormFloat64(),
			WindDirSin:  math.Sin(dir),
			WindDirCos:  math.Cos(dir),
			WindSpeed:   10 + 3*rng.NormFloat64(),
			Visibility:  10 + rng.NormFloat64(),
		}
	}
	return rows
}

func TestDetectRandomWindows(t *testing.T) {
	const trials, n = 200, 100
	rng := rand.New(rand.NewPCG(7, 11))

	var drifted, temperature int
	for i := range trials {
		start := t0.Add(time.Duration(i*2*n) * time.Hour)
		reference := randomWindow(rng, start, n, 20)
		recent := randomWindow(rng, start.Add(n*time.Hour), n, 20)

		report, err := Detect(reference, recent, DefaultOptions())
		require.NoError(t, err)
		if report.Drifted {
			drifted++
		}
		if report.PValues["temperature"] <= 0.05 {
			temperature++
		}
	}

	// A single feature holds its significance level.
	assert.LessOrEqual(t, float64(temperature)/trials, 0.12)

	// The verdict ORs nine uncorrected tests, so identically distributed
	// windows report drift well above the per-feature level.
	rate := float64(drifted) / trials
	assert.Greater(t, rate, 0.05)
	assert.Less(t, rate, 0.55)

	for i := range 20 {
		start := t0.Add(time.Duration(i*2*n) * time.Hour)
		report, err := Detect(randomWindow(rng, start, n, 20), randomWindow(rng, start.Add(n*time.Hour), n, 30), DefaultOptions())
		require.NoError(t, err)
		assert.Contains(t, report.DriftedFeatures, "temperature")
	}
}

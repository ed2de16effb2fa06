package walkforward

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrTooFewRows = errors.New("walkforward: too few rows to fit")
	ErrSingular   = errors.New("walkforward: design matrix is rank deficient")
	ErrNonFinite  = errors.New("walkforward: non-finite result")
)

// Order is the non-seasonal (p,d,q) order.
type Order struct {
	P, D, Q int
}

// SeasonalOrder is the seasonal (P,D,Q,s) order. S of zero disables the
// seasonal part.
type SeasonalOrder struct {
	P, D, Q, S int
}

func (o Order) String() string { return fmt.Sprintf("(%d,%d,%d)", o.P, o.D, o.Q) }

func (s SeasonalOrder) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.P, s.D, s.Q, s.S)
}

func (o Order) validate() error {
	if o.P < 0 || o.D < 0 || o.Q < 0 {
		return fmt.Errorf("walkforward: negative order %s", o)
	}
	return nil
}

func (s SeasonalOrder) validate() error {
	if s.P < 0 || s.D < 0 || s.Q < 0 || s.S < 0 {
		return fmt.Errorf("walkforward: negative seasonal order %s", s)
	}
	if s.S == 1 {
		return fmt.Errorf("walkforward: seasonal period must be 0 or at least 2")
	}
	if s.S == 0 && (s.P > 0 || s.D > 0 || s.Q > 0) {
		return fmt.Errorf("walkforward: seasonal terms %s need a period", s)
	}
	return nil
}

// Model is a seasonal ARIMA model with exogenous regressors. The regular and
// seasonal differences are applied to both the target and the regressors,
// and the AR, MA and seasonal terms are estimated with the Hannan-Rissanen
// two-stage regression.
type Model struct {
	order    Order
	seasonal SeasonalOrder

	poly      []float64 // combined differencing polynomial, poly[0] == 1
	intercept bool
	arLags    []int
	maLags    []int
	nExog     int
	coef      []float64

	y     []float64   // levels, extended by Forecast
	exog  [][]float64 // regressor levels aligned with y
	w     []float64   // differenced target, w[i] pairs with y[i+len(poly)-1]
	resid []float64   // residuals aligned with w
}

// Fit estimates a model on y with regressors exog, where exog[t] holds the
// regressor values at time t. exog may be nil.
func Fit(y []float64, exog [][]float64, order Order, seasonal SeasonalOrder) (*Model, error) {
	if err := order.validate(); err != nil {
		return nil, err
	}
	if err := seasonal.validate(); err != nil {
		return nil, err
	}
	nExog, err := exogWidth(exog, len(y))
	if err != nil {
		return nil, err
	}

	m := &Model{
		order:     order,
		seasonal:  seasonal,
		poly:      differencingPolynomial(order.D, seasonal.D, seasonal.S),
		intercept: order.D+seasonal.D == 0,
		arLags:    lags(order.P, seasonal.P, seasonal.S),
		maLags:    lags(order.Q, seasonal.Q, seasonal.S),
		nExog:     nExog,
		y:         append([]float64(nil), y...),
		exog:      copyExog(exog, len(y)),
	}

	if len(y) < len(m.poly) {
		return nil, fmt.Errorf("%w: %d observations cannot be differenced with order %d", ErrTooFewRows, len(y), len(m.poly)-1)
	}
	m.w = m.difference(m.y)
	wx := make([][]float64, len(m.w))
	for i := range wx {
		wx[i] = m.differenceExog(i + len(m.poly) - 1)
	}

	// stage one: a long autoregression whose residuals stand in for the
	// unobserved innovations
	m.resid = make([]float64, len(m.w))
	start := maxLag(m.arLags)
	if len(m.maLags) > 0 {
		long := max(maxLag(m.arLags), maxLag(m.maLags)) + 1
		longLags := make([]int, long)
		for i := range longLags {
			longLags[i] = i + 1
		}
		beta, err := m.regress(long, longLags, nil, wx)
		if err != nil {
			return nil, fmt.Errorf("long autoregression: %w", err)
		}
		for t := long; t < len(m.w); t++ {
			m.resid[t] = m.w[t] - dot(beta, m.row(t, longLags, nil, wx))
		}
		start = max(start, long+maxLag(m.maLags))
	}

	// stage two: regress on AR lags, lagged residuals and regressors
	beta, err := m.regress(start, m.arLags, m.maLags, wx)
	if err != nil {
		return nil, err
	}
	m.coef = beta
	for t := start; t < len(m.w); t++ {
		m.resid[t] = m.w[t] - dot(beta, m.row(t, m.arLags, m.maLags, wx))
	}
	return m, nil
}

// Forecast returns horizon steps ahead, using exog[h] as the regressors of
// step h. exog may be nil when the model has no regressors. Forecasts are
// appended to the model history, so consecutive calls continue the path.
func (m *Model) Forecast(horizon int, exog [][]float64) ([]float64, error) {
	if m.nExog > 0 && len(exog) != horizon {
		return nil, fmt.Errorf("walkforward: need %d future regressor rows, got %d", horizon, len(exog))
	}
	for _, row := range exog {
		if len(row) != m.nExog {
			return nil, fmt.Errorf("walkforward: regressor width %d, want %d", len(row), m.nExog)
		}
	}

	out := make([]float64, horizon)
	d := len(m.poly) - 1
	for h := 0; h < horizon; h++ {
		if m.nExog > 0 {
			m.exog = append(m.exog, append([]float64(nil), exog[h]...))
		} else {
			m.exog = append(m.exog, nil)
		}
		t := len(m.w)
		m.w = append(m.w, 0)
		m.resid = append(m.resid, 0)

		x := m.differenceExog(t + d)
		w := dot(m.coef, m.rowWith(t, m.arLags, m.maLags, x))
		m.w[t] = w

		y := w
		for i := 1; i < len(m.poly); i++ {
			y -= m.poly[i] * m.y[t+d-i]
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, fmt.Errorf("%w: step %d", ErrNonFinite, h+1)
		}
		m.y = append(m.y, y)
		out[h] = y
	}
	return out, nil
}

// Coefficients returns the fitted regression coefficients: intercept (when
// undifferenced), AR lags, MA lags, then regressors.
func (m *Model) Coefficients() []float64 {
	return append([]float64(nil), m.coef...)
}

func (m *Model) regress(start int, ar, ma []int, wx [][]float64) ([]float64, error) {
	cols := m.width(ar, ma)
	rows := len(m.w) - start
	if cols == 0 {
		// pure differencing: the differenced series is forecast as zero
		return nil, nil
	}
	if rows <= cols {
		return nil, fmt.Errorf("%w: %d rows for %d coefficients", ErrTooFewRows, rows, cols)
	}

	x := mat.NewDense(rows, cols, nil)
	b := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		x.SetRow(i, m.row(start+i, ar, ma, wx))
		b.SetVec(i, m.w[start+i])
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		return nil, err
	}
	out := make([]float64, cols)
	for i := range out {
		out[i] = beta.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("%w: coefficient %d", ErrNonFinite, i)
		}
	}
	return out, nil
}

func (m *Model) width(ar, ma []int) int {
	n := len(ar) + len(ma) + m.nExog
	if m.intercept {
		n++
	}
	return n
}

func (m *Model) row(t int, ar, ma []int, wx [][]float64) []float64 {
	return m.rowWith(t, ar, ma, wx[t])
}

func (m *Model) rowWith(t int, ar, ma []int, x []float64) []float64 {
	r := make([]float64, 0, m.width(ar, ma))
	if m.intercept {
		r = append(r, 1)
	}
	for _, l := range ar {
		r = append(r, m.w[t-l])
	}
	for _, l := range ma {
		r = append(r, m.resid[t-l])
	}
	return append(r, x...)
}

// difference applies the differencing polynomial to series. The result is
// len(poly)-1 shorter than the input.
func (m *Model) difference(series []float64) []float64 {
	d := len(m.poly) - 1
	out := make([]float64, 0, len(series)-d)
	for t := d; t < len(series); t++ {
		v := 0.0
		for i, c := range m.poly {
			v += c * series[t-i]
		}
		out = append(out, v)
	}
	return out
}

// differenceExog returns the differenced regressors at level index t.
func (m *Model) differenceExog(t int) []float64 {
	if m.nExog == 0 {
		return nil
	}
	out := make([]float64, m.nExog)
	for i, c := range m.poly {
		if c == 0 {
			continue
		}
		for j := range out {
			out[j] += c * m.exog[t-i][j]
		}
	}
	return out
}

// differencingPolynomial expands (1-B)^d (1-B^s)^D.
func differencingPolynomial(d, seasonalD, s int) []float64 {
	poly := []float64{1}
	for i := 0; i < d; i++ {
		poly = polyMul(poly, []float64{1, -1})
	}
	if s > 0 {
		seasonal := make([]float64, s+1)
		seasonal[0], seasonal[s] = 1, -1
		for i := 0; i < seasonalD; i++ {
			poly = polyMul(poly, seasonal)
		}
	}
	return poly
}

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// lags returns 1..p followed by the seasonal multiples s..P*s, without
// duplicates.
func lags(p, seasonalP, s int) []int {
	var out []int
	seen := make(map[int]bool)
	for i := 1; i <= p; i++ {
		out = append(out, i)
		seen[i] = true
	}
	for k := 1; k <= seasonalP; k++ {
		if l := k * s; !seen[l] {
			out = append(out, l)
			seen[l] = true
		}
	}
	return out
}

func maxLag(ls []int) int {
	m := 0
	for _, l := range ls {
		m = max(m, l)
	}
	return m
}

func exogWidth(exog [][]float64, n int) (int, error) {
	if exog == nil {
		return 0, nil
	}
	if len(exog) != n {
		return 0, fmt.Errorf("walkforward: %d regressor rows for %d observations", len(exog), n)
	}
	width := -1
	for _, row := range exog {
		if width >= 0 && len(row) != width {
			return 0, fmt.Errorf("walkforward: ragged regressor rows")
		}
		width = len(row)
	}
	return max(width, 0), nil
}

func copyExog(exog [][]float64, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		if i < len(exog) {
			out[i] = append([]float64(nil), exog[i]...)
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

package features

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/clima/internal/models"
)

type AggregateOptions struct {
	Window     int // trailing samples per statistic
	CutoffHour int // UTC hour of the daily cutoff sample
}

func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{Window: 24, CutoffHour: 23}
}

func (o AggregateOptions) validate() error {
	if o.Window < 2 {
		return fmt.Errorf("features: window must be at least 2, got %d", o.Window)
	}
	if o.CutoffHour < 0 || o.CutoffHour > 23 {
		return fmt.Errorf("features: cutoff hour must be in [0,23], got %d", o.CutoffHour)
	}
	return nil
}

// AggregateDaily builds one training row per station per day. Days whose
// cutoff sample lacks a full trailing window, or that have no following day
// to take targets from, are skipped.
func AggregateDaily(rows []models.FeatureRow, opts AggregateOptions) ([]models.DailyAggregateRow, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var out []models.DailyAggregateRow
	for _, series := range groupByStation(rows) {
		days := splitDays(series)
		for i, d := range days {
			if i+1 >= len(days) || !days[i+1].date.Equal(d.date.AddDate(0, 0, 1)) {
				continue
			}
			row, ok := aggregateAt(series, d, opts)
			if !ok {
				continue
			}
			next := days[i+1]
			temps := temperatures(series[next.first : next.last+1])
			row.TargetMax = floats.Max(temps)
			row.TargetMin = floats.Min(temps)
			row.HasTarget = true
			out = append(out, row)
		}
	}
	return out, nil
}

// LatestDaily returns the most recent aggregate row per station regardless
// of whether its targets are known yet. Only closed days qualify: a day
// still waiting for its cutoff sample would describe the previous evening.
func LatestDaily(rows []models.FeatureRow, opts AggregateOptions) ([]models.DailyAggregateRow, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var out []models.DailyAggregateRow
	for _, series := range groupByStation(rows) {
		days := splitDays(series)
		for i := len(days) - 1; i >= 0; i-- {
			if !opts.closed(series, days, i) {
				continue
			}
			if row, ok := aggregateAt(series, days[i], opts); ok {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

type daySpan struct {
	date  time.Time
	first int // index of the first sample of the day
	last  int // index of the last sample of the day
}

// groupByStation returns per-station series sorted by time, stations in
// lexical order.
func groupByStation(rows []models.FeatureRow) [][]models.FeatureRow {
	byStation := make(map[string][]models.FeatureRow)
	for _, r := range rows {
		byStation[r.StationID] = append(byStation[r.StationID], r)
	}
	ids := make([]string, 0, len(byStation))
	for id := range byStation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([][]models.FeatureRow, 0, len(ids))
	for _, id := range ids {
		series := byStation[id]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].ObservedAt.Before(series[j].ObservedAt)
		})
		out = append(out, series)
	}
	return out
}

func splitDays(series []models.FeatureRow) []daySpan {
	var days []daySpan
	for i, r := range series {
		t := r.ObservedAt.UTC()
		date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		if len(days) == 0 || !days[len(days)-1].date.Equal(date) {
			days = append(days, daySpan{date: date, first: i})
		}
		days[len(days)-1].last = i
	}
	return days
}

// closed reports whether day i can still gain a sample at or before the
// cutoff hour. A day followed by later samples, or holding a sample at or
// after the cutoff hour, is closed.
func (o AggregateOptions) closed(series []models.FeatureRow, days []daySpan, i int) bool {
	if i+1 < len(days) {
		return true
	}
	return series[days[i].last].ObservedAt.UTC().Hour() >= o.CutoffHour
}

func (o AggregateOptions) cutoffFor(series []models.FeatureRow, d daySpan) int {
	idx := -1
	for i := d.first; i <= d.last; i++ {
		if series[i].ObservedAt.UTC().Hour() <= o.CutoffHour {
			idx = i
		}
	}
	return idx
}

func aggregateAt(series []models.FeatureRow, d daySpan, opts AggregateOptions) (models.DailyAggregateRow, bool) {
	cut := opts.cutoffFor(series, d)
	if cut < 0 || cut+1 < opts.Window {
		return models.DailyAggregateRow{}, false
	}
	window := series[cut+1-opts.Window : cut+1]

	row := models.DailyAggregateRow{
		FeatureRow: series[cut],
		Date:       d.date,
		Rolling:    make([]models.RollingStats, len(models.NumericFeatures)),
	}
	col := make([]float64, len(window))
	for f := range models.NumericFeatures {
		for i, r := range window {
			col[i] = r.Numeric()[f]
		}
		mean, std := stat.MeanStdDev(col, nil)
		row.Rolling[f] = models.RollingStats{
			Mean: mean,
			Std:  std,
			Min:  floats.Min(col),
			Max:  floats.Max(col),
			Lag:  col[0],
		}
	}
	return row, true
}

func temperatures(rows []models.FeatureRow) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Temperature
	}
	return out
}

package models

import (
	"fmt"
	"time"
)

type Station struct {
	StationID string
	Name      string
	City      string
	State     string
	Active    bool
}

// Observation is a raw METAR reading as returned by the upstream provider.
// Humidity is a percentage and visibility is in meters.
type Observation struct {
	StationID    string    `json:"station_id"`
	ObservedAt   time.Time `json:"observed_at"`
	Pressure     float64   `json:"pressure"`
	Temperature  float64   `json:"temperature"`
	SkyCondition string    `json:"sky_condition"`
	Humidity     float64   `json:"humidity"`
	WindDir      float64   `json:"wind_dir"`
	WindSpeed    float64   `json:"wind_speed"`
	Visibility   float64   `json:"visibility"`
}

type ForecastRow struct {
	City         string    `json:"city"`
	State        string    `json:"state"`
	IssuedAt     time.Time `json:"issued_at"`
	Date         time.Time `json:"date"`
	SkyCondition string    `json:"sky_condition"`
	TempMin      float64   `json:"temp_min"`
	TempMax      float64   `json:"temp_max"`
	UVIndex      float64   `json:"uv_index"`
}

// FeatureRow is the model-ready form of an Observation. Humidity is a
// fraction, visibility is in kilometers and wind direction only survives as
// its sine/cosine pair.
type FeatureRow struct {
	StationID   string    `json:"station_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Day         int       `json:"day"`
	Month       int       `json:"month"`
	Year        int       `json:"year"`
	Pressure    float64   `json:"pressure"`
	Temperature float64   `json:"temperature"`
	SkyCode     int       `json:"sky_code"`
	Humidity    float64   `json:"humidity"`
	WindDirSin  float64   `json:"wind_dir_sin"`
	WindDirCos  float64   `json:"wind_dir_cos"`
	WindSpeed   float64   `json:"wind_speed"`
	Visibility  float64   `json:"visibility"`
}

// NumericFeatures lists the continuous FeatureRow columns in a fixed order.
var NumericFeatures = []string{
	"pressure",
	"temperature",
	"humidity",
	"wind_dir_sin",
	"wind_dir_cos",
	"wind_speed",
	"visibility",
}

// Numeric returns the continuous columns in NumericFeatures order.
func (f FeatureRow) Numeric() []float64 {
	return []float64{
		f.Pressure,
		f.Temperature,
		f.Humidity,
		f.WindDirSin,
		f.WindDirCos,
		f.WindSpeed,
		f.Visibility,
	}
}

type RollingStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Lag  float64 `json:"lag"`
}

// DailyAggregateRow is a FeatureRow at the daily cutoff plus trailing
// statistics for every numeric feature. TargetMax and TargetMin hold the
// following day's extremes and are zero for inference rows.
type DailyAggregateRow struct {
	FeatureRow
	Date      time.Time      `json:"date"`
	Rolling   []RollingStats `json:"rolling"`
	TargetMax float64        `json:"target_max"`
	TargetMin float64        `json:"target_min"`
	HasTarget bool           `json:"has_target"`
}

// FeatureNames names the columns of Vector.
func FeatureNames() []string {
	names := []string{"day", "month", "year", "sky_code"}
	names = append(names, NumericFeatures...)
	for _, f := range NumericFeatures {
		names = append(names, f+"_mean", f+"_std", f+"_min", f+"_max", f+"_lag")
	}
	return names
}

// Vector flattens the row into model inputs. Targets are never included.
func (r DailyAggregateRow) Vector() []float64 {
	v := make([]float64, 0, 4+len(NumericFeatures)*6)
	v = append(v, float64(r.Day), float64(r.Month), float64(r.Year), float64(r.SkyCode))
	v = append(v, r.Numeric()...)
	for _, s := range r.Rolling {
		v = append(v, s.Mean, s.Std, s.Min, s.Max, s.Lag)
	}
	return v
}

// Target returns the next-day extreme the given mode predicts.
func (r DailyAggregateRow) Target(mode Mode) float64 {
	if mode == ModeMin {
		return r.TargetMin
	}
	return r.TargetMax
}

// Mode selects which daily extreme a model predicts.
type Mode int

const (
	ModeMax Mode = iota
	ModeMin
)

// Modes lists every mode in retrain order.
var Modes = []Mode{ModeMax, ModeMin}

func (m Mode) String() string {
	switch m {
	case ModeMax:
		return "max"
	case ModeMin:
		return "min"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "max":
		return ModeMax, nil
	case "min":
		return ModeMin, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

type ModelArtifact struct {
	Mode          Mode               `json:"mode"`
	TrainingRunID string             `json:"training_run_id"`
	PipelineRunID string             `json:"pipeline_run_id,omitempty"`
	Hyperparams   map[string]float64 `json:"hyperparams"`
	EvalRMSE      float64            `json:"eval_rmse"`
	BestIteration int                `json:"best_iteration"`
	Evaluation    map[string]float64 `json:"evaluation,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Current       bool               `json:"current"`
}

type Prediction struct {
	StationID        string    `json:"station_id"`
	RunID            string    `json:"run_id"`
	IssuedAt         time.Time `json:"issued_at"`
	TargetDate       time.Time `json:"target_date"`
	TempMax          float64   `json:"temp_max"`
	TempMin          float64   `json:"temp_min"`
	MaxTrainingRunID string    `json:"max_training_run_id"`
	MinTrainingRunID string    `json:"min_training_run_id"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type PipelineRun struct {
	RunID         string     `json:"run_id"`
	Flow          string     `json:"flow"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Stage         string     `json:"stage"`
	Status        RunStatus  `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Drifted       *bool      `json:"drifted,omitempty"`
	Retrained     []string   `json:"retrained,omitempty"`
	RetrainErrors []string   `json:"retrain_errors,omitempty"`
}

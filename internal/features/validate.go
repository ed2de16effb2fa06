package features

import (
	"encoding/json"
	"math"

	"github.com/lox/clima/internal/models"
)

const (
	FlagTempNonFinite      = "temp_non_finite"
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagPressureNonFinite  = "pressure_non_finite"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagWindDirInvalid     = "wind_dir_invalid"
	FlagWindSpeedNonFinite = "wind_speed_non_finite"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagVisibilityNegative = "visibility_negative"
)

// rejecting flags drop the observation from the feature set. The rest are
// kept as quality annotations on the raw row.
var rejecting = map[string]bool{
	FlagTempNonFinite:      true,
	FlagPressureNonFinite:  true,
	FlagHumidityInvalid:    true,
	FlagWindDirInvalid:     true,
	FlagWindSpeedNonFinite: true,
	FlagVisibilityNegative: true,
}

func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	switch {
	case !finite(obs.Temperature):
		flags = append(flags, FlagTempNonFinite)
	case obs.Temperature < -40 || obs.Temperature > 55:
		flags = append(flags, FlagTempOutOfRange)
	}

	switch {
	case !finite(obs.Pressure):
		flags = append(flags, FlagPressureNonFinite)
	case obs.Pressure < 850 || obs.Pressure > 1100:
		flags = append(flags, FlagPressureOutOfRange)
	}

	if !finite(obs.Humidity) || obs.Humidity < 0 || obs.Humidity > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}

	if !finite(obs.WindDir) || obs.WindDir < 0 || obs.WindDir >= 360 {
		flags = append(flags, FlagWindDirInvalid)
	}

	switch {
	case !finite(obs.WindSpeed):
		flags = append(flags, FlagWindSpeedNonFinite)
	case obs.WindSpeed < 0 || obs.WindSpeed > 250:
		flags = append(flags, FlagWindSpeedUnlikely)
	}

	if !finite(obs.Visibility) || obs.Visibility < 0 {
		flags = append(flags, FlagVisibilityNegative)
	}

	return flags
}

// Rejected reports whether any flag excludes the observation from features.
func Rejected(flags []string) bool {
	for _, f := range flags {
		if rejecting[f] {
			return true
		}
	}
	return false
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package features

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/lox/clima/internal/models"
)

var ErrEmptyInput = errors.New("features: empty input")

// Transform converts raw observations into feature rows. Observations that
// fail validation are dropped, so the output is never longer than the input.
func Transform(rows []models.Observation, table *CodeTable) ([]models.FeatureRow, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	if table == nil {
		table = DefaultCodeTable()
	}

	out := make([]models.FeatureRow, 0, len(rows))
	dropped := 0
	for i := range rows {
		obs := &rows[i]
		if Rejected(ValidateObservation(obs)) {
			dropped++
			continue
		}
		out = append(out, transformOne(obs, table))
	}

	if dropped > 0 {
		log.Printf("features: dropped %d of %d observations failing validation", dropped, len(rows))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: all %d observations failed validation", ErrEmptyInput, len(rows))
	}
	return out, nil
}

func transformOne(obs *models.Observation, table *CodeTable) models.FeatureRow {
	t := obs.ObservedAt.UTC()
	rad := obs.WindDir * math.Pi / 180
	return models.FeatureRow{
		StationID:   obs.StationID,
		ObservedAt:  t,
		Day:         t.Day(),
		Month:       int(t.Month()),
		Year:        t.Year(),
		Pressure:    obs.Pressure,
		Temperature: obs.Temperature,
		SkyCode:     table.Code(obs.SkyCondition),
		Humidity:    obs.Humidity / 100,
		WindDirSin:  math.Sin(rad),
		WindDirCos:  math.Cos(rad),
		WindSpeed:   obs.WindSpeed,
		Visibility:  obs.Visibility / 1000,
	}
}

// WindDirection recovers the angle in degrees, in [0, 360), from its
// sine/cosine encoding.
func WindDirection(sin, cos float64) float64 {
	deg := math.Atan2(sin, cos) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg -= 360
	}
	return deg
}

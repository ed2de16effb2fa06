package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lox/clima/internal/models"
)

var pipelineRunColumns = []string{
	"run_id", "flow", "started_at", "finished_at", "stage", "status",
	"failure_reason", "drifted", "retrained", "retrain_errors",
}

// SavePipelineRun inserts or updates the run record.
func (s *Store) SavePipelineRun(ctx context.Context, run models.PipelineRun) error {
	var finished, drifted any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	if run.Drifted != nil {
		drifted = *run.Drifted
	}
	_, err := s.Upsert(ctx, "pipeline_runs", pipelineRunColumns, [][]any{{
		run.RunID, run.Flow, run.StartedAt.UTC(), finished, run.Stage, string(run.Status),
		nullString(run.FailureReason), drifted, jsonList(run.Retrained), jsonList(run.RetrainErrors),
	}})
	return err
}

// ListPipelineRuns returns the most recent runs, optionally for one flow.
func (s *Store) ListPipelineRuns(ctx context.Context, flow string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	f := Filter{OrderBy: "started_at", Desc: true, Limit: limit}
	if flow != "" {
		f.Equals = map[string]any{"flow": flow}
	}
	rows, err := s.Query(ctx, "pipeline_runs", pipelineRunColumns, f)
	if err != nil {
		return nil, err
	}

	out := make([]models.PipelineRun, len(rows))
	for i, r := range rows {
		run := models.PipelineRun{
			RunID:         r.String("run_id"),
			Flow:          r.String("flow"),
			StartedAt:     r.Time("started_at"),
			Stage:         r.String("stage"),
			Status:        models.RunStatus(r.String("status")),
			FailureReason: r.String("failure_reason"),
			Retrained:     parseList(r.String("retrained")),
			RetrainErrors: parseList(r.String("retrain_errors")),
		}
		if t := r.Time("finished_at"); !t.IsZero() {
			run.FinishedAt = &t
		}
		if r["drifted"] != nil {
			d := r.Int("drifted") != 0
			run.Drifted = &d
		}
		out[i] = run
	}
	return out, nil
}

var predictionColumns = []string{
	"station_id", "run_id", "issued_at", "target_date", "temp_max", "temp_min",
	"max_training_run_id", "min_training_run_id",
}

func (s *Store) InsertPredictions(ctx context.Context, preds []models.Prediction) error {
	values := make([][]any, len(preds))
	for i, p := range preds {
		values[i] = []any{
			p.StationID, p.RunID, p.IssuedAt.UTC(), dateOnly(p.TargetDate), p.TempMax, p.TempMin,
			p.MaxTrainingRunID, p.MinTrainingRunID,
		}
	}
	_, err := s.Upsert(ctx, "predictions", predictionColumns, values)
	return err
}

// LatestPredictions returns the predictions of the most recent run that
// produced any, optionally for one station.
func (s *Store) LatestPredictions(ctx context.Context, stationID string) ([]models.Prediction, error) {
	var runID string
	var err error
	if stationID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT run_id FROM predictions ORDER BY issued_at DESC, id DESC LIMIT 1`).Scan(&runID)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT run_id FROM predictions WHERE station_id = ? ORDER BY issued_at DESC, id DESC LIMIT 1`,
			stationID).Scan(&runID)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("latest prediction run", err)
	}

	equals := map[string]any{"run_id": runID}
	if stationID != "" {
		equals["station_id"] = stationID
	}
	rows, err := s.Query(ctx, "predictions", predictionColumns, Filter{Equals: equals, OrderBy: "station_id"})
	if err != nil {
		return nil, err
	}
	out := make([]models.Prediction, len(rows))
	for i, r := range rows {
		out[i] = models.Prediction{
			StationID:        r.String("station_id"),
			RunID:            r.String("run_id"),
			IssuedAt:         r.Time("issued_at"),
			TargetDate:       r.Time("target_date"),
			TempMax:          r.Float("temp_max"),
			TempMin:          r.Float("temp_min"),
			MaxTrainingRunID: r.String("max_training_run_id"),
			MinTrainingRunID: r.String("min_training_run_id"),
		}
	}
	return out, nil
}

func jsonList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

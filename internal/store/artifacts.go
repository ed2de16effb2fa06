package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/clima/internal/models"
)

// RegisterArtifact inserts a new, not yet current, model artifact.
func (s *Store) RegisterArtifact(ctx context.Context, a models.ModelArtifact, blob []byte) error {
	hyper, err := json.Marshal(a.Hyperparams)
	if err != nil {
		return fmt.Errorf("encode hyperparams: %w", err)
	}
	var eval []byte
	if len(a.Evaluation) > 0 {
		if eval, err = json.Marshal(a.Evaluation); err != nil {
			return fmt.Errorf("encode evaluation: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_artifacts (training_run_id, mode, pipeline_run_id, hyperparams, eval_rmse, best_iteration, evaluation, blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.TrainingRunID, a.Mode.String(), nullString(a.PipelineRunID), string(hyper), a.EvalRMSE,
		a.BestIteration, nullString(string(eval)), blob, a.CreatedAt.UTC())
	if err != nil {
		return persistErr("register artifact "+a.TrainingRunID, err)
	}
	return nil
}

// PromoteArtifact makes trainingRunID the current artifact for mode. The
// artifact must exist and belong to mode.
func (s *Store) PromoteArtifact(ctx context.Context, mode models.Mode, trainingRunID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin promote", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT mode FROM model_artifacts WHERE training_run_id = ?`, trainingRunID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: artifact %s does not exist", ErrPersistence, trainingRunID)
	}
	if err != nil {
		return persistErr("lookup artifact", err)
	}
	if stored != mode.String() {
		return fmt.Errorf("%w: artifact %s is for mode %s, not %s", ErrPersistence, trainingRunID, stored, mode)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_current (mode, training_run_id, promoted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET
			training_run_id = excluded.training_run_id,
			promoted_at = excluded.promoted_at
	`, mode.String(), trainingRunID, time.Now().UTC()); err != nil {
		return persistErr("promote artifact", err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit promote", err)
	}
	return nil
}

// LoadArtifact returns the current artifact for mode, or the one with
// trainingRunID when given, together with its serialized model. Both are
// nil when nothing matches.
func (s *Store) LoadArtifact(ctx context.Context, mode models.Mode, trainingRunID string) (*models.ModelArtifact, []byte, error) {
	query := `
		SELECT a.training_run_id, a.mode, a.pipeline_run_id, a.hyperparams, a.eval_rmse, a.best_iteration,
		       a.evaluation, a.blob, a.created_at, c.training_run_id IS NOT NULL
		FROM model_artifacts a
		LEFT JOIN model_current c ON c.mode = a.mode AND c.training_run_id = a.training_run_id
	`
	var args []any
	if trainingRunID == "" {
		query += ` WHERE a.mode = ? AND c.training_run_id IS NOT NULL`
		args = append(args, mode.String())
	} else {
		query += ` WHERE a.mode = ? AND a.training_run_id = ?`
		args = append(args, mode.String(), trainingRunID)
	}

	a, blob, err := scanArtifact(s.db.QueryRowContext(ctx, query, args...), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, persistErr("load artifact", err)
	}
	return a, blob, nil
}

// ListArtifacts returns artifact metadata for mode, newest first.
func (s *Store) ListArtifacts(ctx context.Context, mode models.Mode, limit int) ([]models.ModelArtifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.training_run_id, a.mode, a.pipeline_run_id, a.hyperparams, a.eval_rmse, a.best_iteration,
		       a.evaluation, a.created_at, c.training_run_id IS NOT NULL
		FROM model_artifacts a
		LEFT JOIN model_current c ON c.mode = a.mode AND c.training_run_id = a.training_run_id
		WHERE a.mode = ?
		ORDER BY a.created_at DESC
		LIMIT ?
	`, mode.String(), limit)
	if err != nil {
		return nil, persistErr("list artifacts", err)
	}
	defer rows.Close()

	var out []models.ModelArtifact
	for rows.Next() {
		a, _, err := scanArtifact(rows, false)
		if err != nil {
			return nil, persistErr("scan artifact", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate artifacts", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner, withBlob bool) (*models.ModelArtifact, []byte, error) {
	var (
		a          models.ModelArtifact
		mode       string
		pipelineID sql.NullString
		hyper      sql.NullString
		eval       sql.NullString
		blob       []byte
		current    int64
	)
	dest := []any{&a.TrainingRunID, &mode, &pipelineID, &hyper, &a.EvalRMSE, &a.BestIteration, &eval}
	if withBlob {
		dest = append(dest, &blob)
	}
	dest = append(dest, &a.CreatedAt, &current)
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}

	m, err := models.ParseMode(mode)
	if err != nil {
		return nil, nil, err
	}
	a.Mode = m
	a.PipelineRunID = pipelineID.String
	a.Current = current != 0
	a.CreatedAt = a.CreatedAt.UTC()
	if hyper.Valid && hyper.String != "" {
		if err := json.Unmarshal([]byte(hyper.String), &a.Hyperparams); err != nil {
			return nil, nil, fmt.Errorf("decode hyperparams: %w", err)
		}
	}
	if eval.Valid && eval.String != "" {
		if err := json.Unmarshal([]byte(eval.String), &a.Evaluation); err != nil {
			return nil, nil, fmt.Errorf("decode evaluation: %w", err)
		}
	}
	return &a, blob, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/models"
)

// SaveDistribution snapshots rows as the drift reference window windowID.
func (s *Store) SaveDistribution(ctx context.Context, windowID string, createdAt time.Time, rows []models.FeatureRow) error {
	if windowID == "" {
		return fmt.Errorf("%w: empty window id", ErrPersistence)
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = append([]any{windowID, createdAt.UTC()}, featureValues(r)...)
	}
	_, err := s.Upsert(ctx, "metar_distribution", tables["metar_distribution"].columns, values)
	return err
}

// LatestDistribution returns the most recently saved reference window. The
// window id is empty when no snapshot exists.
func (s *Store) LatestDistribution(ctx context.Context) (string, []models.FeatureRow, error) {
	latest, err := s.Query(ctx, "metar_distribution", []string{"window_id"},
		Filter{OrderBy: "created_at", Desc: true, Limit: 1})
	if err != nil {
		return "", nil, err
	}
	if len(latest) == 0 {
		return "", nil, nil
	}
	windowID := latest[0].String("window_id")

	rows, err := s.Query(ctx, "metar_distribution", metarColumns,
		Filter{Equals: map[string]any{"window_id": windowID}, OrderBy: "observed_at"})
	if err != nil {
		return "", nil, err
	}
	out := make([]models.FeatureRow, len(rows))
	for i, r := range rows {
		out[i] = featureFromRow(r)
	}
	return windowID, out, nil
}

// SaveCodeTable persists every entry of the sky code table.
func (s *Store) SaveCodeTable(ctx context.Context, t *features.CodeTable) error {
	entries := t.Entries()
	values := make([][]any, len(entries))
	for i, e := range entries {
		values[i] = []any{e.Condition, e.Code, e.Version}
	}
	_, err := s.Upsert(ctx, "sky_codes", []string{"condition", "code", "version"}, values)
	return err
}

// LoadCodeTable returns the persisted sky code table, seeding it with the
// default table on first use.
func (s *Store) LoadCodeTable(ctx context.Context) (*features.CodeTable, error) {
	rows, err := s.Query(ctx, "sky_codes", []string{"condition", "code", "version"}, Filter{OrderBy: "code"})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		t := features.DefaultCodeTable()
		if err := s.SaveCodeTable(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	entries := make([]features.CodeEntry, len(rows))
	for i, r := range rows {
		entries[i] = features.CodeEntry{
			Condition: r.String("condition"),
			Code:      r.Int("code"),
			Version:   r.Int("version"),
		}
	}
	return features.CodeTableFromEntries(entries), nil
}

package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// PayloadRef identifies where a raw payload came from.
type PayloadRef struct {
	IngestRunID int64
	Source      string
	Endpoint    string
	StationID   string
	LocationID  string
}

// StoreRawPayload keeps a gzip-compressed copy of an upstream response.
// Identical payloads are stored once; the returned id is 0 for a duplicate.
func (s *Store) StoreRawPayload(ctx context.Context, ref PayloadRef, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	sum := sha256.Sum256(payload)
	runID := sql.NullInt64{Int64: ref.IngestRunID, Valid: ref.IngestRunID > 0}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, source, endpoint, station_id, location_id,
		 payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING
	`, runID, time.Now().UTC(), ref.Source, ref.Endpoint, nullString(ref.StationID),
		nullString(ref.LocationID), buf.Bytes(), hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, persistErr("insert raw payload", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload returns the decompressed payload with id.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get raw payload", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldRawPayloads deletes payloads fetched more than retentionDays
// ago and returns how many were removed.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, persistErr("cleanup raw payloads", err)
	}
	return result.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gryns/tower-server/internal/model"
)

// RecordAnomaly persists an identifier that resolved to several pods.
func (s *Store) RecordAnomaly(ctx context.Context, a model.IntegrityAnomaly) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	ids, err := json.Marshal(a.PodIDs)
	if err != nil {
		return fmt.Errorf("encode anomaly pods: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO integrity_anomalies (identifier, pod_ids, detected_at) VALUES (?, ?, ?);`,
		a.Identifier,
		string(ids),
		formatTime(a.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert integrity anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies returns the latest anomalies, newest first.
func (s *Store) RecentAnomalies(ctx context.Context, limit int) ([]model.IntegrityAnomaly, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identifier, pod_ids, detected_at FROM integrity_anomalies ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query integrity anomalies: %w", err)
	}
	defer rows.Close()

	anomalies := make([]model.IntegrityAnomaly, 0, limit)
	for rows.Next() {
		var (
			a           model.IntegrityAnomaly
			idsRaw      string
			detectedStr string
		)
		if err := rows.Scan(&a.Identifier, &idsRaw, &detectedStr); err != nil {
			return nil, fmt.Errorf("scan integrity anomaly: %w", err)
		}
		if err := json.Unmarshal([]byte(idsRaw), &a.PodIDs); err != nil {
			return nil, fmt.Errorf("decode anomaly pods: %w", err)
		}
		a.DetectedAt = parseTime(detectedStr)
		anomalies = append(anomalies, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrity anomalies: %w", err)
	}
	return anomalies, nil
}

// InsertScanEvent records a finished scan session.
func (s *Store) InsertScanEvent(ctx context.Context, e model.ScanEvent) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scan_events (session_id, technology, kind, value, error_kind, pod_id, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		e.SessionID,
		e.Technology,
		e.Kind,
		emptyNull(e.Value),
		emptyNull(e.ErrorKind),
		emptyNull(e.PodID),
		formatTime(e.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert scan event: %w", err)
	}
	return nil
}

// RecentScanEvents returns the latest scan events, newest first.
func (s *Store) RecentScanEvents(ctx context.Context, limit int) ([]model.ScanEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT session_id, technology, kind, value, error_kind, pod_id, recorded_at FROM scan_events ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query scan events: %w", err)
	}
	defer rows.Close()

	events := make([]model.ScanEvent, 0, limit)
	for rows.Next() {
		var (
			e                       model.ScanEvent
			value, errorKind, podID sql.NullString
			recordedStr             string
		)
		if err := rows.Scan(&e.SessionID, &e.Technology, &e.Kind, &value, &errorKind, &podID, &recordedStr); err != nil {
			return nil, fmt.Errorf("scan scan event: %w", err)
		}
		e.Value = value.String
		e.ErrorKind = errorKind.String
		e.PodID = podID.String
		e.RecordedAt = parseTime(recordedStr)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan events: %w", err)
	}
	return events, nil
}

// InsertIngestionError records a scanner payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (scanner_id, topic, payload, error) VALUES (?, ?, ?, ?);`,
		e.ScannerID,
		e.Topic,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

func emptyNull(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

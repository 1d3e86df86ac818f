package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// =====================
// Ingest history
// =====================

// IngestRecord describes one upload attempt. The table is a diagnostic
// journal only: layers are never restored from it.
type IngestRecord struct {
	BatchID    string    `json:"batchId"`
	Filename   string    `json:"filename"`
	Layer      string    `json:"layer,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// RecordIngest appends rec to the journal.
func (db *Database) RecordIngest(ctx context.Context, rec IngestRecord) error {
	rec.BatchID = strings.TrimSpace(rec.BatchID)
	rec.Filename = strings.TrimSpace(rec.Filename)
	if rec.BatchID == "" {
		return fmt.Errorf("insert ingest history: empty batch id")
	}
	if rec.Status == "" {
		rec.Status = "ok"
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now()
	}

	ph := make([]any, 6)
	for i := range ph {
		ph[i] = placeholder(db.Driver, i+1)
	}
	stmt := fmt.Sprintf(`INSERT INTO ingest_history (batch_id, filename, layer, status, reason, ingested_at) VALUES (%s, %s, %s, %s, %s, %s)`, ph...)
	if _, err := db.DB.ExecContext(ctx, stmt,
		rec.BatchID, rec.Filename, rec.Layer, rec.Status, rec.Reason, rec.IngestedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert ingest history: %w", err)
	}
	return nil
}

// RecentIngests returns up to limit records, newest first.
func (db *Database) RecentIngests(ctx context.Context, limit int) ([]IngestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT batch_id, filename, layer, status, reason, ingested_at FROM ingest_history ORDER BY ingested_at DESC LIMIT %d`, limit)
	rows, err := db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ingest history: %w", err)
	}
	defer rows.Close()

	var out []IngestRecord
	for rows.Next() {
		var (
			rec    IngestRecord
			layer  sql.NullString
			reason sql.NullString
			millis int64
		)
		if err := rows.Scan(&rec.BatchID, &rec.Filename, &layer, &rec.Status, &reason, &millis); err != nil {
			return nil, fmt.Errorf("scan ingest history: %w", err)
		}
		rec.Layer = layer.String
		rec.Reason = reason.String
		rec.IngestedAt = time.UnixMilli(millis).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingest history: %w", err)
	}
	return out, nil
}

// CountIngests reports how many attempts ended with status.
func (db *Database) CountIngests(ctx context.Context, status string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM ingest_history WHERE status = %s`, placeholder(db.Driver, 1))
	var count int64
	if err := db.DB.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ingest history: %w", err)
	}
	return count, nil
}

// Copyright 2025 James Ross

// Package audit implements the local, best-effort audit log: an async writer
// backed by SQLite so operators can inspect admission rejections and failed
// requests after the fact without the runtime taking on a network-facing
// dependency. Hot-swap and shutdown events are not recorded. Writes never
// block the caller: a full channel drops the oldest-pending record rather
// than applying backpressure to request paths.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/obs"
)

// Record is one audit log entry.
type Record struct {
	AuditID   string
	Timestamp time.Time
	Kind      string // "admission_reject" (dispatch) | "lifecycle_terminal" (batcher, failed requests only)
	RequestID uint64
	ModelID   string
	Detail    string
}

// Writer owns a bounded channel drained by a single background goroutine
// into a SQLite database. It is safe for concurrent callers of Emit.
type Writer struct {
	db     *sql.DB
	log    *zap.Logger
	ch     chan Record
	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates (or reuses) the SQLite database at dbPath and starts the
// background writer goroutine. channelSize bounds the pending-record buffer.
func Open(dbPath string, channelSize int, log *zap.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		request_id INTEGER NOT NULL,
		model_id TEXT NOT NULL,
		detail TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		db:     db,
		log:    log,
		ch:     make(chan Record, channelSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Emit enqueues a record, with a fresh audit id and the current time, for
// async persistence. Never blocks: when the channel is full the oldest
// pending record is dropped to make room, and the dropped-record metric is
// incremented.
func (w *Writer) Emit(kind string, requestID uint64, modelID, detail string) {
	r := Record{
		AuditID:   uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		RequestID: requestID,
		ModelID:   modelID,
		Detail:    detail,
	}
	select {
	case w.ch <- r:
		return
	default:
	}
	// Channel full: evict the oldest pending record, then try once more.
	select {
	case old := <-w.ch:
		obs.AuditDropped.Inc()
		w.log.Debug("audit record dropped, channel full", zap.String("kind", old.Kind))
	default:
	}
	select {
	case w.ch <- r:
	default:
		obs.AuditDropped.Inc()
		w.log.Debug("audit record dropped, channel full", zap.String("kind", kind))
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	stmt := `INSERT INTO audit_log (audit_id, ts, kind, request_id, model_id, detail) VALUES (?, ?, ?, ?, ?, ?)`
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-w.ch:
					if _, err := w.db.Exec(stmt, r.AuditID, r.Timestamp.UnixNano(), r.Kind, r.RequestID, r.ModelID, r.Detail); err != nil {
						w.log.Warn("audit write failed", zap.Error(err))
					}
				default:
					return
				}
			}
		case r := <-w.ch:
			if _, err := w.db.Exec(stmt, r.AuditID, r.Timestamp.UnixNano(), r.Kind, r.RequestID, r.ModelID, r.Detail); err != nil {
				w.log.Warn("audit write failed", zap.Error(err))
			}
		}
	}
}

// Close stops the background writer and closes the database. It drains any
// already-enqueued records (best effort, non-blocking) before returning.
func (w *Writer) Close() error {
	w.cancel()
	<-w.done
	return w.db.Close()
}

// Recent returns the most recent n audit records, newest first, for the ops
// API's /v1/audit endpoint.
func (w *Writer) Recent(n int) ([]Record, error) {
	rows, err := w.db.Query(`SELECT audit_id, ts, kind, request_id, model_id, detail FROM audit_log ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var tsNano int64
		if err := rows.Scan(&r.AuditID, &tsNano, &r.Kind, &r.RequestID, &r.ModelID, &r.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Timestamp = time.Unix(0, tsNano)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CLAUDE:SUMMARY Fire-and-forget instrumentation sink: buffers healing events and batches them into SQLite.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/selfheal/dbopen"
	"github.com/hazyhaar/selfheal/idgen"
)

// EventKind classifies an instrumentation event.
type EventKind string

const (
	EventUpgradeRequired EventKind = "upgrade_required"
	EventAuthFailure5xx  EventKind = "auth_failure_5xx"
	EventAuthFailure4xx  EventKind = "auth_failure_4xx"
	EventAuthSuccess     EventKind = "auth_success"
	EventInitFailure     EventKind = "init_failure"
	EventSelfHealWarning EventKind = "selfheal_warning"
	EventAugmented       EventKind = "augmented"
	EventHealAttempt     EventKind = "heal_attempt"
	EventHealSuccess     EventKind = "heal_success"
	EventHealFailure     EventKind = "heal_failure"
	EventSetupFailure    EventKind = "setup_failure"
)

// Event is one instrumentation datapoint.
type Event struct {
	ID        string
	Kind      EventKind
	SessionID string
	Status    int
	Message   string
	Attrs     map[string]string
	Time      time.Time
}

// Sink receives events. Implementations must not block the caller and
// must not report failures back.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder buffers events and flushes them to SQLite in batches.
// A full buffer drops the event: instrumentation never applies
// backpressure to a lookup.
type Recorder struct {
	db            *sql.DB
	newID         idgen.Generator
	ch            chan Event
	flushInterval time.Duration
	batchSize     int
	logger        *slog.Logger
	stop          chan struct{}
	done          chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// WithFlushInterval sets how often buffered events are written. Default: 2s.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.flushInterval = d }
}

// WithRecorderLogger sets the logger used for persistence failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder starts a Recorder backed by db. Init(db) must have run.
// Recommended bufferSize: 1000.
func NewRecorder(db *sql.DB, bufferSize int, opts ...RecorderOption) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Recorder{
		db:            db,
		newID:         idgen.Prefixed("evt_", idgen.Default),
		ch:            make(chan Event, bufferSize),
		flushInterval: 2 * time.Second,
		batchSize:     100,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.flushLoop()
	return r
}

// Emit queues ev for persistence. Non-blocking.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = r.newID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case r.ch <- ev:
	default:
		r.logger.Debug("observability: event buffer full, dropping", "kind", ev.Kind)
	}
}

// Close flushes pending events and stops the background goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	for {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			r.flush(batch)
			batch = batch[:0]
		case <-r.stop:
			for {
				select {
				case ev := <-r.ch:
					batch = append(batch, ev)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO selfheal_events (event_id, kind, session_id, status, message, attrs, created_at)
			VALUES (?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, ev := range batch {
			var attrs sql.NullString
			if len(ev.Attrs) > 0 {
				if b, err := json.Marshal(ev.Attrs); err == nil {
					attrs = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, ev.ID, string(ev.Kind), ev.SessionID,
				ev.Status, ev.Message, attrs, ev.Time.UnixMilli()); err != nil {
				return fmt.Errorf("insert %s: %w", ev.Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("observability: event flush failed", "error", err, "events", len(batch))
	}
}

// EventFilter narrows QueryEvents. Zero values mean unbounded.
type EventFilter struct {
	Kind      EventKind
	SessionID string
	Limit     int
}

// QueryEvents returns recorded events, newest first.
func QueryEvents(ctx context.Context, db *sql.DB, f EventFilter) ([]Event, error) {
	q := `SELECT event_id, kind, COALESCE(session_id,''), COALESCE(status,0),
		COALESCE(message,''), attrs, created_at FROM selfheal_events WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		var attrs sql.NullString
		var ms int64
		if err := rows.Scan(&ev.ID, &kind, &ev.SessionID, &ev.Status, &ev.Message, &attrs, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.Time = time.UnixMilli(ms)
		if attrs.Valid {
			_ = json.Unmarshal([]byte(attrs.String), &ev.Attrs)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

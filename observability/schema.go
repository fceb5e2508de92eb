package observability

import "database/sql"

// Schema contains the DDL for the selfheal event journal and metrics.
// Call Init(db) to apply it.
const Schema = `
CREATE TABLE IF NOT EXISTS selfheal_events (
    event_id    TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    session_id  TEXT,
    status      INTEGER,
    message     TEXT,
    attrs       TEXT,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selfheal_events_kind_time
    ON selfheal_events(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_selfheal_events_session
    ON selfheal_events(session_id);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init creates the observability tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

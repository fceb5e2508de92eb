package connectivity

import (
	"database/sql"

	"github.com/hazyhaar/selfheal/dbopen"
)

// Schema defines the routes table that overrides configured routes.
// Each row maps a service name to a dispatch strategy; the config column
// holds per-route JSON (timeout_ms, max_retries, backoff_ms,
// breaker_threshold, breaker_reset_ms, content_type).
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// OpenDB opens the routes database with a 5s busy timeout and applies
// the schema. The caller must blank-import modernc.org/sqlite.
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithBusyTimeout(5000), dbopen.WithSchema(Schema))
}

// Init creates the routes table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

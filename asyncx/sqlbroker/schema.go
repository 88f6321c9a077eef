package sqlbroker

import (
	"context"
	"database/sql"
	"fmt"
)

// Times are unix milliseconds so comparisons behave the same on SQLite and Postgres.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS asyncx_jobs (
    id            VARCHAR(64)  PRIMARY KEY,
    kind          VARCHAR(255) NOT NULL,
    queue         VARCHAR(64)  NOT NULL,
    payload_json  TEXT         NOT NULL,
    status        VARCHAR(32)  NOT NULL,
    attempt       INTEGER      NOT NULL DEFAULT 0,
    max_attempts  INTEGER      NOT NULL,
    deliveries    INTEGER      NOT NULL DEFAULT 0,
    not_before    BIGINT       NOT NULL,
    lease_token   VARCHAR(64)  NOT NULL DEFAULT '',
    lease_expires BIGINT       NOT NULL DEFAULT 0,
    consumer      VARCHAR(255) NOT NULL DEFAULT '',
    last_error    TEXT         NOT NULL DEFAULT '',
    enqueued_at   BIGINT       NOT NULL,
    updated_at    BIGINT       NOT NULL
)`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS asyncx_jobs_ready ON asyncx_jobs (queue, status, not_before)`

// Schema is the full DDL, for operators who apply migrations by hand.
const Schema = createTableSQL + ";\n" + createIndexSQL + ";\n"

// Migrate creates the jobs table and its index if missing. Statements run one at a
// time since some drivers reject multi-statement Exec.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlbroker: migrate: %w", err)
		}
	}
	return nil
}

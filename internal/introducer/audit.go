package introducer

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
)

// auditLog is a best-effort sink for rendezvous events. It never blocks
// an RPC and never turns a write failure into an RPC error; callers
// treat it as fire-and-forget telemetry.
type auditLog struct {
	db *sql.DB
}

// OpenAuditLog connects to the introducer's optional audit database and
// ensures the rendezvous_events table exists.
func OpenAuditLog(connStr string) (*auditLog, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("introducer: open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("introducer: ping audit db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rendezvous_events (
			id SERIAL PRIMARY KEY,
			event TEXT NOT NULL,
			client_id TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("introducer: create rendezvous_events: %w", err)
	}

	return &auditLog{db: db}, nil
}

// Close releases the underlying connection pool.
func (a *auditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *auditLog) record(event, clientID string, fileHash filestore.FileHash) error {
	_, err := a.db.Exec(
		`INSERT INTO rendezvous_events (event, client_id, file_hash, occurred_at) VALUES ($1, $2, $3, $4)`,
		event, clientID, fileHash.String(), time.Now(),
	)
	return err
}

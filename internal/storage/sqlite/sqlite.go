// Package sqlite implements storage.TokenStore on SQLite using the CGO-less
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"wts/internal/storage"
)

// DefaultDSN is used when SQLITE_DSN is not set.
const DefaultDSN = "file:wts.db"

// Store is a SQLite-backed token store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.HealthCheck = (*Store)(nil)
)

// connPragmas are run by the driver on every new pooled connection.
var connPragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)"}

// ConnDSN returns dsn with the per-connection pragmas and immediate write
// transactions added. Pragmas already present in dsn win.
func ConnDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	base, rawQuery, _ := strings.Cut(dsn, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("parse sqlite dsn: %w", err)
	}
	for _, pragma := range connPragmas {
		name, _, _ := strings.Cut(pragma, "(")
		present := false
		for _, p := range q["_pragma"] {
			if strings.HasPrefix(strings.ToLower(p), name) {
				present = true
				break
			}
		}
		if !present {
			q.Add("_pragma", pragma)
		}
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	return base + "?" + q.Encode(), nil
}

// New opens the database and runs pending migrations.
func New(dsn string) (*Store, error) {
	connDSN, err := ConnDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", connDSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Status returns a schema_migrations and schema_info summary for the given
// DSN without creating a Store.
func Status(dsn string) (string, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var latest, count int
	_ = db.QueryRow(`SELECT COALESCE(MAX(version),0), COUNT(1) FROM schema_migrations`).Scan(&latest, &count)
	var schemaVersion, minSupported int
	var appVersion, appliedAt string
	_ = db.QueryRow(`SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).Scan(&schemaVersion, &minSupported, &appVersion, &appliedAt)
	return fmt.Sprintf("schema_version=%d applied=%d latest=%d app_version=%s applied_at=%s min_supported=%d",
		schemaVersion, count, latest, appVersion, appliedAt, minSupported), nil
}

// DB returns the underlying handle so the session store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity (implements storage.HealthCheck).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics (implements storage.HealthCheck).
func (s *Store) Stats() *storage.DBStats {
	st := s.db.Stats()
	return &storage.DBStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration.Nanoseconds(),
	}
}

// Package audit provides PostgreSQL-backed storage for connection lifecycle
// records. One row is written per connection when it leaves the registry,
// for capacity planning and support investigations.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// validReasons matches the CHECK constraint on connection_audit.reason.
var validReasons = map[string]bool{
	"disconnect":  true,
	"send_failed": true,
	"cleanup":     true,
}

// Entry is one closed connection.
type Entry struct {
	ConnectionID   string
	UserID         string
	ProjectID      string
	Server         string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	MessageCount   int64
	Reason         string
}

// Store writes and reads connection audit rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres, retrying a few times while the database comes
// up.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*sql.DB, error) {
	const maxRetries = 5
	var err error
	for i := 1; i <= maxRetries; i++ {
		var db *sql.DB
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("audit: open: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(30 * time.Minute)
			return db, nil
		}
		_ = db.Close()
		log.Warn("database ping failed", zap.Int("attempt", i), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return nil, fmt.Errorf("audit: connect after %d attempts: %w", maxRetries, err)
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Record inserts one audit row. The reason is validated before insertion.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if !validReasons[e.Reason] {
		return fmt.Errorf("audit: invalid reason %q", e.Reason)
	}

	const query = `
		INSERT INTO connection_audit
			(connection_id, user_id, project_id, server, connected_at, disconnected_at, message_count, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		e.ConnectionID,
		e.UserID,
		e.ProjectID,
		e.Server,
		e.ConnectedAt,
		e.DisconnectedAt,
		e.MessageCount,
		e.Reason,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many connections of a user closed within window.
func (s *Store) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM connection_audit
		WHERE user_id = $1
		  AND disconnected_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, userID, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}

// Package stores persists encrypted provider credentials and usage events.
// The execution core only ever sees ciphertext through this layer; decryption
// happens in pkg/vault under a per-run execution context.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrKeyNotFound is returned when no credential exists for (user, provider).
var ErrKeyNotFound = errors.New("provider key not found")

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertProviderKey creates or replaces the credential for (user, provider).
// Re-submission resets the validity flag.
func (s *SQLiteStore) UpsertProviderKey(ctx context.Context, record *ProviderKeyRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	query := `
		INSERT INTO provider_keys (user_id, provider, ciphertext, key_tier, valid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			key_tier   = excluded.key_tier,
			valid      = excluded.valid,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		record.UserID, record.Provider, record.Ciphertext, string(record.KeyTier),
		boolToInt(record.Valid), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider key: %w", err)
	}
	return nil
}

// GetEncryptedKeys returns every credential record for a user, valid or not.
// Callers decide whether invalid records are usable (they are not).
func (s *SQLiteStore) GetEncryptedKeys(ctx context.Context, userID string) ([]*ProviderKeyRecord, error) {
	query := `
		SELECT user_id, provider, ciphertext, key_tier, valid, created_at, updated_at
		FROM provider_keys
		WHERE user_id = ?
		ORDER BY provider
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ProviderKeyRecord
	for rows.Next() {
		record, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider keys: %w", err)
	}
	return records, nil
}

// GetProviderKey returns one credential record or ErrKeyNotFound.
func (s *SQLiteStore) GetProviderKey(ctx context.Context, userID, provider string) (*ProviderKeyRecord, error) {
	query := `
		SELECT user_id, provider, ciphertext, key_tier, valid, created_at, updated_at
		FROM provider_keys
		WHERE user_id = ? AND provider = ?
	`
	row := s.db.QueryRowContext(ctx, query, userID, provider)
	record, err := scanProviderKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// InvalidateKey flips the validity flag for (user, provider). The record is
// kept so the user sees which key was rejected; only an explicit re-submission
// makes it usable again.
func (s *SQLiteStore) InvalidateKey(ctx context.Context, userID, provider string) error {
	query := `
		UPDATE provider_keys
		SET valid = 0, updated_at = ?
		WHERE user_id = ? AND provider = ?
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), userID, provider)
	if err != nil {
		return fmt.Errorf("failed to invalidate provider key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check invalidation result: %w", err)
	}
	if affected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// RecordUsageEvent appends one usage event.
func (s *SQLiteStore) RecordUsageEvent(ctx context.Context, event *UsageEvent) error {
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_events (user_id, recipe_id, format, datasets, succeeded, total_rows, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.UserID, event.RecipeID, event.Format,
		event.Datasets, event.Succeeded, event.TotalRows, event.DurationMS, event.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	event.ID, _ = result.LastInsertId()
	return nil
}

// ListUsageEvents returns usage events for a user, newest first.
func (s *SQLiteStore) ListUsageEvents(ctx context.Context, userID string, limit, offset int) ([]*UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, recipe_id, format, datasets, succeeded, total_rows, duration_ms, recorded_at
		FROM usage_events
		WHERE user_id = ?
		ORDER BY recorded_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.RecipeID, &e.Format,
			&e.Datasets, &e.Succeeded, &e.TotalRows, &e.DurationMS, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProviderKey(row scanner) (*ProviderKeyRecord, error) {
	var record ProviderKeyRecord
	var tier string
	var valid int
	if err := row.Scan(&record.UserID, &record.Provider, &record.Ciphertext,
		&tier, &valid, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan provider key: %w", err)
	}
	record.KeyTier = KeyTier(tier)
	record.Valid = valid != 0
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/issuesync/issuesync/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

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

// Migrate runs database migrations.
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

// SaveOperation upserts the whole operation record.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op *engine.Operation) error {
	errorsJSON, err := json.Marshal(op.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode operation errors: %w", err)
	}
	metadataJSON, err := json.Marshal(op.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode operation metadata: %w", err)
	}

	query := `
		INSERT INTO sync_operations (
			id, kind, source_system, target_system, status,
			started_at, completed_at, items_processed, items_synced,
			items_failed, conflicts_resolved, errors, metadata, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			items_processed = excluded.items_processed,
			items_synced = excluded.items_synced,
			items_failed = excluded.items_failed,
			conflicts_resolved = excluded.conflicts_resolved,
			errors = excluded.errors,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.Kind,
		op.SourceSystem,
		op.TargetSystem,
		op.Status,
		op.StartedAt.UTC(),
		nullableTime(op.CompletedAt),
		op.ItemsProcessed,
		op.ItemsSynced,
		op.ItemsFailed,
		op.ConflictsResolved,
		string(errorsJSON),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	query := `
		SELECT id, kind, source_system, target_system, status,
			   started_at, completed_at, items_processed, items_synced,
			   items_failed, conflicts_resolved, errors, metadata
		FROM sync_operations
		WHERE id = ?
	`

	op := &engine.Operation{}
	var (
		completedAt  sql.NullTime
		errorsJSON   string
		metadataJSON string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&op.ID,
		&op.Kind,
		&op.SourceSystem,
		&op.TargetSystem,
		&op.Status,
		&op.StartedAt,
		&completedAt,
		&op.ItemsProcessed,
		&op.ItemsSynced,
		&op.ItemsFailed,
		&op.ConflictsResolved,
		&errorsJSON,
		&metadataJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrOperationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(errorsJSON), &op.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode operation errors: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &op.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode operation metadata: %w", err)
	}
	return op, nil
}

// ListOperations lists operations newest first, optionally filtered by
// status and kind.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter ListFilter) ([]*engine.Operation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, source_system, target_system, status,
			   started_at, completed_at, items_processed, items_synced,
			   items_failed, conflicts_resolved, errors, metadata
		FROM sync_operations
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR kind = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Status, filter.Status,
		filter.Kind, filter.Kind,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.Operation{}
	for rows.Next() {
		op := &engine.Operation{}
		var (
			completedAt  sql.NullTime
			errorsJSON   string
			metadataJSON string
		)
		err := rows.Scan(
			&op.ID,
			&op.Kind,
			&op.SourceSystem,
			&op.TargetSystem,
			&op.Status,
			&op.StartedAt,
			&completedAt,
			&op.ItemsProcessed,
			&op.ItemsSynced,
			&op.ItemsFailed,
			&op.ConflictsResolved,
			&errorsJSON,
			&metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			op.CompletedAt = &t
		}
		if err := json.Unmarshal([]byte(errorsJSON), &op.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode operation errors: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &op.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode operation metadata: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// SaveItem upserts the whole item record keyed by (source_id, item_type).
func (s *SQLiteStore) SaveItem(ctx context.Context, item *engine.Item) error {
	sourceJSON, err := json.Marshal(item.SourceData)
	if err != nil {
		return fmt.Errorf("failed to encode item source data: %w", err)
	}
	targetJSON, err := json.Marshal(item.TargetData)
	if err != nil {
		return fmt.Errorf("failed to encode item target data: %w", err)
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode item metadata: %w", err)
	}

	var resolution *string
	if item.ConflictResolution != nil {
		v := string(*item.ConflictResolution)
		resolution = &v
	}

	query := `
		INSERT INTO sync_items (
			id, source_id, target_id, source_data, target_data, item_type,
			last_modified, sync_status, conflict_resolution, metadata, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, item_type) DO UPDATE SET
			target_id = excluded.target_id,
			source_data = excluded.source_data,
			target_data = excluded.target_data,
			last_modified = excluded.last_modified,
			sync_status = excluded.sync_status,
			conflict_resolution = excluded.conflict_resolution,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ID,
		item.SourceID,
		item.TargetID,
		string(sourceJSON),
		string(targetJSON),
		item.ItemType,
		item.LastModified.UTC(),
		item.SyncStatus,
		resolution,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by its (source_id, item_type) key. A missing
// item returns (nil, nil): the engine treats that as first contact.
func (s *SQLiteStore) GetItem(ctx context.Context, sourceID string, itemType engine.ItemType) (*engine.Item, error) {
	query := `
		SELECT id, source_id, target_id, source_data, target_data, item_type,
			   last_modified, sync_status, conflict_resolution, metadata
		FROM sync_items
		WHERE source_id = ? AND item_type = ?
	`

	item := &engine.Item{}
	var (
		targetID     sql.NullString
		sourceJSON   string
		targetJSON   string
		resolution   sql.NullString
		metadataJSON string
	)
	err := s.db.QueryRowContext(ctx, query, sourceID, itemType).Scan(
		&item.ID,
		&item.SourceID,
		&targetID,
		&sourceJSON,
		&targetJSON,
		&item.ItemType,
		&item.LastModified,
		&item.SyncStatus,
		&resolution,
		&metadataJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	if targetID.Valid {
		v := targetID.String
		item.TargetID = &v
	}
	if resolution.Valid {
		strategy := engine.Strategy(resolution.String)
		item.ConflictResolution = &strategy
	}
	if err := json.Unmarshal([]byte(sourceJSON), &item.SourceData); err != nil {
		return nil, fmt.Errorf("failed to decode item source data: %w", err)
	}
	if err := json.Unmarshal([]byte(targetJSON), &item.TargetData); err != nil {
		return nil, fmt.Errorf("failed to decode item target data: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &item.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode item metadata: %w", err)
	}
	return item, nil
}

// LastSuccessfulSync returns the completion time of the most recent
// completed operation for the system pair, or nil when none exists.
func (s *SQLiteStore) LastSuccessfulSync(ctx context.Context, sourceSystem, targetSystem string) (*time.Time, error) {
	query := `
		SELECT completed_at
		FROM sync_operations
		WHERE source_system = ? AND target_system = ? AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1
	`

	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, sourceSystem, targetSystem).Scan(&completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last successful sync: %w", err)
	}
	if !completedAt.Valid {
		return nil, nil
	}
	t := completedAt.Time
	return &t, nil
}

// Stats aggregates operation and item counts for the status surfaces.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		OperationsByStatus: make(map[string]int),
		ItemsByStatus:      make(map[string]int),
		ItemsByType:        make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan operation count: %w", err)
		}
		stats.OperationsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation counts: %w", err)
	}

	itemRows, err := s.db.QueryContext(ctx,
		`SELECT sync_status, item_type, COUNT(*) FROM sync_items GROUP BY sync_status, item_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var status, itemType string
		var count int
		if err := itemRows.Scan(&status, &itemType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan item count: %w", err)
		}
		stats.ItemsByStatus[status] += count
		stats.ItemsByType[itemType] += count
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item counts: %w", err)
	}

	var completedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM sync_operations
		WHERE status = 'completed'
		ORDER BY completed_at DESC LIMIT 1
	`).Scan(&completedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query last completed operation: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		stats.LastSuccessfulSync = &t
	}

	return stats, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

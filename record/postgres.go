package record

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

//go:embed migrations/*.sql
var migrations embed.FS

const recordColumns = `upload_id, owner_id, original_filename, mime_type, total_size, total_chunks,
	storage_path, status, created_at, updated_at`

// PostgresConfig ...
type PostgresConfig struct {
	DSN             string
	ConnectAttempts uint
	ConnectWait     time.Duration
	MaxOpenConns    int
}

// PostgresStore keeps records in a PostgreSQL table.
type PostgresStore struct {
	db     *sqlx.DB
	logger log.Logger
	now    func() time.Time
}

// ConnectPostgres opens the database, retrying while it comes up, and applies the migrations.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig, logger log.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN must not be empty")
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 10
	}
	if cfg.ConnectWait == 0 {
		cfg.ConnectWait = 3 * time.Second
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}

	var db *sqlx.DB
	err := retry.Times(cfg.ConnectAttempts-1).Wait(cfg.ConnectWait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
		if err != nil {
			logger.Warnf("Failed to connect to PostgreSQL (attempt %d/%d): %s", attempt+1, cfg.ConnectAttempts, err)
			return err, ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := NewPostgresStore(db, logger)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Donef("Database connection established")
	return store, nil
}

// NewPostgresStore ...
func NewPostgresStore(db *sqlx.DB, logger log.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies the bundled schema files in name order. Every file is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Debugf("Applied migration %s", name)
	}

	return nil
}

// Close ...
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Upsert ...
func (s *PostgresStore) Upsert(ctx context.Context, rec upload.Record) (upload.Record, error) {
	now := s.now()
	rec.Status = upload.StatusPending
	rec.StoragePath = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
		INSERT INTO uploads (` + recordColumns + `)
		VALUES (
			:upload_id, :owner_id, :original_filename, :mime_type, :total_size, :total_chunks,
			:storage_path, :status, :created_at, :updated_at
		)
		ON CONFLICT (upload_id) DO UPDATE SET
			original_filename = EXCLUDED.original_filename,
			mime_type = EXCLUDED.mime_type,
			total_size = EXCLUDED.total_size,
			total_chunks = EXCLUDED.total_chunks,
			status = 'pending',
			updated_at = EXCLUDED.updated_at
		WHERE uploads.status = 'failed'
			OR (uploads.status = 'pending'
				AND uploads.total_chunks = EXCLUDED.total_chunks
				AND uploads.total_size = EXCLUDED.total_size)
	`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return upload.Record{}, fmt.Errorf("upsert upload %s: %w", rec.UploadID, err)
	}

	stored, err := s.Get(ctx, rec.UploadID)
	if err != nil {
		return upload.Record{}, err
	}
	if err := checkLayout(stored, rec); err != nil {
		return upload.Record{}, err
	}
	return stored, nil
}

// Get ...
func (s *PostgresStore) Get(ctx context.Context, uploadID string) (upload.Record, error) {
	var rec upload.Record
	query := `SELECT ` + recordColumns + ` FROM uploads WHERE upload_id = $1`
	if err := s.db.GetContext(ctx, &rec, query, uploadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return upload.Record{}, upload.ErrNotFound
		}
		return upload.Record{}, fmt.Errorf("get upload %s: %w", uploadID, err)
	}
	return rec, nil
}

// Claim ...
func (s *PostgresStore) Claim(ctx context.Context, uploadID string) (bool, error) {
	query := `
		UPDATE uploads
		SET status = 'processing', updated_at = $2
		WHERE upload_id = $1 AND status IN ('pending', 'failed')
	`
	res, err := s.db.ExecContext(ctx, query, uploadID, s.now())
	if err != nil {
		return false, fmt.Errorf("claim upload %s: %w", uploadID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim upload %s: %w", uploadID, err)
	}
	if affected == 1 {
		return true, nil
	}

	if _, err := s.Get(ctx, uploadID); err != nil {
		return false, err
	}
	return false, nil
}

// SetStatus ...
func (s *PostgresStore) SetStatus(ctx context.Context, uploadID string, status upload.Status, storagePath string) error {
	query := `UPDATE uploads SET status = $2, storage_path = $3, updated_at = $4 WHERE upload_id = $1`
	res, err := s.db.ExecContext(ctx, query, uploadID, string(status), storagePathFor(status, storagePath), s.now())
	if err != nil {
		return fmt.Errorf("set status of upload %s: %w", uploadID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status of upload %s: %w", uploadID, err)
	}
	if affected == 0 {
		return upload.ErrNotFound
	}
	return nil
}

// ListCompleted ...
func (s *PostgresStore) ListCompleted(ctx context.Context, ownerID string) ([]upload.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM uploads
		WHERE owner_id = $1 AND status = 'completed'
		ORDER BY created_at DESC, upload_id
	`
	var list []upload.Record
	if err := s.db.SelectContext(ctx, &list, query, ownerID); err != nil {
		return nil, fmt.Errorf("list uploads of %s: %w", ownerID, err)
	}
	return list, nil
}

// Delete ...
func (s *PostgresStore) Delete(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("delete upload %s: %w", uploadID, err)
	}
	return nil
}

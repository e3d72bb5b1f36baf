package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/storage/migrations"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

// Supported SQL dialects
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// goose dialect per metadata dialect; migrations live under a directory of
// the same name as the metadata dialect.
var gooseDialects = map[string]string{
	DialectMySQL:  "mysql",
	DialectSQLite: "sqlite3",
}

// goose keeps its base FS and dialect in package state
var migrateMu sync.Mutex

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// SQLStore is the database/sql MetadataStore for TiDB/MySQL and SQLite
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens and pings the database
func NewSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	if _, ok := gooseDialects[dialect]; !ok {
		return nil, fmt.Errorf("unsupported metadata dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	switch dialect {
	case DialectSQLite:
		// one writer; the pragma holds for the single pooled connection
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	default:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	return NewSQLStoreFromDB(db, dialect), nil
}

// NewSQLStoreFromDB wraps an already opened database
func NewSQLStoreFromDB(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations for the store's dialect
func (s *SQLStore) Migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(gooseDialects[s.dialect]); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, s.db, s.dialect); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateTransfer inserts the transfer and its files in one transaction
func (s *SQLStore) CreateTransfer(ctx context.Context, t *models.Transfer) (err error) {
	ctx, span := tracer.Start(ctx, "sql.create_transfer",
		trace.WithAttributes(
			attribute.String("transfer_id", t.TransferID),
			attribute.Int("file_count", len(t.Files)),
			attribute.Int64("total_size", t.TotalSize),
		),
	)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transfers (transfer_id, total_size, file_count, created_at, expires_at, download_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.TransferID, t.TotalSize, len(t.Files), t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), t.DownloadCount)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	for i, f := range t.Files {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transfer_files (transfer_id, position, original_name, storage_key, size, mime_type, checksum)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.TransferID, i, f.OriginalName, f.StorageKey, f.Size, f.MimeType, f.Checksum)
		if err != nil {
			return fmt.Errorf("failed to insert file %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// FindByTransferID loads a transfer with its files in stored order
func (s *SQLStore) FindByTransferID(ctx context.Context, id string) (*models.Transfer, error) {
	ctx, span := tracer.Start(ctx, "sql.find_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	var (
		t                models.Transfer
		created, expires int64
		fileCount        int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT transfer_id, total_size, file_count, created_at, expires_at, download_count
		 FROM transfers WHERE transfer_id = ?`, id).
		Scan(&t.TransferID, &t.TotalSize, &fileCount, &created, &expires, &t.DownloadCount)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.ExpiresAt = time.UnixMilli(expires).UTC()

	files, err := s.files(ctx, id, fileCount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	t.Files = files

	span.SetAttributes(attribute.Bool("found", true))
	return &t, nil
}

func (s *SQLStore) files(ctx context.Context, id string, hint int) ([]models.FileEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_name, storage_key, size, mime_type, checksum
		 FROM transfer_files
		 WHERE transfer_id = ?
		 ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	files := make([]models.FileEntry, 0, hint)
	for rows.Next() {
		var f models.FileEntry
		if err := rows.Scan(&f.OriginalName, &f.StorageKey, &f.Size, &f.MimeType, &f.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// IncrementDownloadCount adds one to the counter inside the database
func (s *SQLStore) IncrementDownloadCount(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sql.increment_download_count",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET download_count = download_count + 1 WHERE transfer_id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExpired returns transfers whose expiry is before the given instant
func (s *SQLStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Transfer, error) {
	ctx, span := tracer.Start(ctx, "sql.list_expired",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT transfer_id FROM transfers WHERE expires_at < ? ORDER BY expires_at ASC LIMIT ?`,
		before.UnixMilli(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query expired transfers: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transfer id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired transfers: %w", err)
	}

	out := make([]*models.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.FindByTransferID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	span.SetAttributes(attribute.Int("expired_count", len(out)))
	return out, nil
}

// DeleteTransfer removes the transfer record and its file rows
func (s *SQLStore) DeleteTransfer(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "sql.delete_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM transfers WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transfer: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

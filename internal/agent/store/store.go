// Package store opens and maintains the local durable database backing the
// offline engine: survey drafts, photo blobs and the sync queue. It is the
// single authoritative holder of state; everything in memory is derived and
// rebuildable from here after a restart.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/agent/repositories/photos"
	"github.com/haztrack/surveysync/internal/agent/repositories/queue"
	"github.com/haztrack/surveysync/internal/agent/repositories/surveys"
	"github.com/haztrack/surveysync/internal/agent/store/migrations"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/dbx"
)

// Store wraps the sqlite handle and hands out repositories bound to it or to
// a transaction.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies migrations.
// Any failure here means offline capture cannot work at all, so the error
// always wraps common.ErrStorageUnavailable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}

	// Single connection: sqlite allows one writer, and a second pooled
	// connection would see its own empty database for :memory: DSNs.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}

	// WAL keeps readers unblocked while a drain pass writes.
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}

	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that compose their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single durable transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// Surveys returns the survey repository bound to tx, or to the database
// when tx is nil.
func (s *Store) Surveys(tx dbx.DBTX) surveys.Repository {
	if tx == nil {
		return surveys.NewSQLiteRepository(s.db)
	}
	return surveys.NewSQLiteRepository(tx)
}

// Photos returns the photo repository bound to tx, or to the database.
func (s *Store) Photos(tx dbx.DBTX) photos.Repository {
	if tx == nil {
		return photos.NewSQLiteRepository(s.db)
	}
	return photos.NewSQLiteRepository(tx)
}

// Queue returns the queue repository bound to tx, or to the database.
func (s *Store) Queue(tx dbx.DBTX) queue.Repository {
	if tx == nil {
		return queue.NewSQLiteRepository(s.db)
	}
	return queue.NewSQLiteRepository(tx)
}

// PurgeSynced reclaims local space after a quota fault or on operator
// request. Two passes, both safe: fully synced surveys lose their rows and
// photos entirely; uploaded photos of still-active surveys keep their
// metadata and remote URL but drop the local blob.
func (s *Store) PurgeSynced(ctx context.Context) (surveysPurged, blobsCleared int, err error) {
	err = s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		surveyRepo := surveys.NewSQLiteRepository(tx)
		photoRepo := photos.NewSQLiteRepository(tx)

		synced, err := surveyRepo.ListByStatus(ctx, models.SyncStatusSynced)
		if err != nil {
			return err
		}

		for _, sv := range synced {
			phs, err := photoRepo.ListBySurvey(ctx, sv.ID)
			if err != nil {
				return err
			}
			done := true
			for _, p := range phs {
				if p.Status != models.UploadStatusUploaded {
					done = false
					break
				}
			}
			// A survey leaves the device only when the server has it AND
			// every photo made it to object storage.
			if !done {
				continue
			}
			if err := photoRepo.DeleteBySurvey(ctx, sv.ID); err != nil {
				return err
			}
			if err := surveyRepo.Delete(ctx, sv.ID); err != nil {
				return err
			}
			surveysPurged++
		}

		uploaded, err := photoRepo.ListByStatus(ctx, models.UploadStatusUploaded)
		if err != nil {
			return err
		}
		for _, p := range uploaded {
			if p.Blob == nil {
				continue
			}
			if err := photoRepo.ClearBlob(ctx, p.ID); err != nil {
				return err
			}
			blobsCleared++
		}
		return nil
	})
	return surveysPurged, blobsCleared, err
}

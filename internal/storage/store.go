// Package storage keeps a local journal of cycle outcomes.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"shelftag/internal/config"
	"shelftag/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveCycles(ctx context.Context, records []model.CycleRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]model.CycleRecord, error)
}

// NewStore returns nil, nil when the journal is disabled.
func NewStore(cfg config.JournalConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported journal driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// insertCycles writes records in one transaction using the given
// dialect's INSERT statement and timestamp conversion.
func (b *baseStore) insertCycles(ctx context.Context, query string, ts func(model.CycleRecord) any, records []model.CycleRecord) error {
	if b.db == nil || len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Cycle,
			ts(r),
			r.Tags,
			r.Anchors,
			string(r.Outcome),
			r.PayloadBytes,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shelftag/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:shelftag.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			tags INTEGER NOT NULL,
			anchors INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			payload_bytes INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_ts ON cycles(ts_ms)`,
	})
}

func (s *sqliteStore) SaveCycles(ctx context.Context, records []model.CycleRecord) error {
	return s.insertCycles(ctx,
		`INSERT INTO cycles (cycle, ts_ms, tags, anchors, outcome, payload_bytes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		func(r model.CycleRecord) any { return r.Timestamp.UnixMilli() },
		records,
	)
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]model.CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, ts_ms, tags, anchors, outcome, payload_bytes FROM cycles ORDER BY id DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.CycleRecord, 0)
	for rows.Next() {
		var (
			r       model.CycleRecord
			tsMS    int64
			outcome string
		)
		if err := rows.Scan(&r.Cycle, &tsMS, &r.Tags, &r.Anchors, &outcome, &r.PayloadBytes); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(tsMS).UTC()
		r.Outcome = model.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

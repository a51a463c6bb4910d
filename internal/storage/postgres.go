package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shelftag/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/shelftag?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id BIGSERIAL PRIMARY KEY,
			cycle BIGINT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			tags INTEGER NOT NULL,
			anchors INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			payload_bytes INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_ts ON cycles(ts)`,
	})
}

func (s *postgresStore) SaveCycles(ctx context.Context, records []model.CycleRecord) error {
	return s.insertCycles(ctx,
		`INSERT INTO cycles (cycle, ts, tags, anchors, outcome, payload_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		func(r model.CycleRecord) any { return r.Timestamp.UTC() },
		records,
	)
}

func (s *postgresStore) Recent(ctx context.Context, limit int) ([]model.CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, ts, tags, anchors, outcome, payload_bytes FROM cycles ORDER BY id DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.CycleRecord, 0)
	for rows.Next() {
		var (
			r       model.CycleRecord
			outcome string
		)
		if err := rows.Scan(&r.Cycle, &r.Timestamp, &r.Tags, &r.Anchors, &outcome, &r.PayloadBytes); err != nil {
			return nil, err
		}
		r.Outcome = model.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	logx "taskflow/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("events.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := &pgStore{pool: pool, log: log}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flow_events (
			seq       BIGSERIAL PRIMARY KEY,
			id        TEXT NOT NULL UNIQUE,
			type      TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			payload   JSONB NOT NULL,
			metadata  JSONB NOT NULL DEFAULT '{}'
		)`)
	if err != nil {
		return fmt.Errorf("create flow_events: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_flow_events_type ON flow_events(type)`)
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) AppendEvent(ctx context.Context, e Event) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flow_events (id, type, timestamp, payload, metadata)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)`,
		e.ID, e.Type, e.Timestamp, payload, string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *pgStore) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT id, type, timestamp, payload::text, metadata::text FROM flow_events`
	var args []any
	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(` WHERE type = $%d`, len(args))
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e             Event
			payload, meta string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &payload, &meta); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		_ = json.Unmarshal([]byte(meta), &e.Metadata)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	"github.com/pubhub/pubhub/pkg/subscription"
)

type Config struct {
	DSN string
}

// Postgres persists one row per feed, subscribers embedded as JSONB.
type Postgres struct {
	db *sql.DB
}

func Open(conf *Config) (*Postgres, error) {
	db, err := sql.Open("postgres", conf.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	err = db.Ping()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ensure creates the schema when missing, idempotent.
func (p *Postgres) Ensure(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS subscriptions (
    feed TEXT PRIMARY KEY,
    subscribers JSONB NOT NULL DEFAULT '[]',
    changed BIGINT NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    push BOOLEAN NOT NULL DEFAULT FALSE
);
`)
	return err
}

func (p *Postgres) FindOne(ctx context.Context, feed string) (*subscription.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT feed, subscribers, changed, content_hash, content_type, push FROM subscriptions WHERE feed = $1`,
		feed,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Postgres) FindAll(ctx context.Context) ([]*subscription.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT feed, subscribers, changed, content_hash, content_type, push FROM subscriptions ORDER BY feed`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*subscription.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (p *Postgres) Upsert(ctx context.Context, rec *subscription.Record) error {
	subs, err := json.Marshal(rec.Subscribers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO subscriptions (feed, subscribers, changed, content_hash, content_type, push)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (feed) DO UPDATE SET
    subscribers = EXCLUDED.subscribers,
    changed = EXCLUDED.changed,
    content_hash = EXCLUDED.content_hash,
    content_type = EXCLUDED.content_type,
    push = EXCLUDED.push`,
		rec.Feed, subs, rec.Changed, rec.ContentHash, rec.ContentType, rec.Push,
	)
	return err
}

func (p *Postgres) Delete(ctx context.Context, feed string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE feed = $1`, feed)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*subscription.Record, error) {
	rec := &subscription.Record{}
	var subs []byte
	err := s.Scan(&rec.Feed, &subs, &rec.Changed, &rec.ContentHash, &rec.ContentType, &rec.Push)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(subs, &rec.Subscribers)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

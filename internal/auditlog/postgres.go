package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

// Open connects to Postgres through the pgx database/sql driver and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return db, nil
}

const schema = `
create table if not exists conversion_log (
	id           bigserial primary key,
	created_at   timestamptz not null default now(),
	client_id    text not null,
	image        bytea not null,
	image_sha256 text not null,
	spoken_text  text not null,
	branch       text not null
);
create index if not exists conversion_log_created_at_idx on conversion_log (created_at desc);`

// PostgresSink stores entries in the conversion_log table.
type PostgresSink struct{ DB *sql.DB }

func NewPostgresSink(db *sql.DB) *PostgresSink { return &PostgresSink{DB: db} }

// EnsureSchema creates the table and index when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create conversion_log: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	const q = `
insert into conversion_log (client_id, image, image_sha256, spoken_text, branch)
values ($1, $2, $3, $4, $5)`
	if _, err := s.DB.ExecContext(ctx, q, e.ClientID, e.Image, HashImage(e.Image), e.Text, e.Branch); err != nil {
		return fmt.Errorf("insert conversion_log: %w", err)
	}
	return nil
}

// Recent lists the newest entries first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	const q = `
select id, created_at, client_id, image_sha256, octet_length(image), spoken_text, branch
from conversion_log
order by created_at desc, id desc
limit $1`
	rows, err := s.DB.QueryContext(ctx, q, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query conversion_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.ClientID, &r.ImageSHA256, &r.ImageBytes, &r.Text, &r.Branch); err != nil {
			return nil, fmt.Errorf("scan conversion_log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the connection for readiness probes.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT NOT NULL,
	channel_address TEXT NOT NULL UNIQUE,
	document        TEXT NOT NULL DEFAULT '',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS receipts (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	mime_type    TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	amount       NUMERIC(14, 2) NOT NULL DEFAULT 0,
	category     TEXT NOT NULL DEFAULT 'Geral',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	uploaded_at  TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS receipts_owner_uploaded_idx ON receipts (owner_id, uploaded_at DESC);
`

// PostgresDB implements the DB interface on PostgreSQL through pgx's database/sql driver
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB connects and creates the tables when missing
func NewPostgresDB(ctx context.Context, connStr string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &PostgresDB{db: db}, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const selectReceiptColumns = `id, owner_id, file_name, storage_path, mime_type, description, amount, category, active, uploaded_at, updated_at`

func scanReceipt(s scanner) (*Receipt, error) {
	var r Receipt
	if err := s.Scan(
		&r.ID, &r.OwnerID, &r.FileName, &r.StoragePath, &r.MIMEType, &r.Description,
		&r.Amount, &r.Category, &r.Active, &r.UploadedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	r.UploadedAt = stamp(r.UploadedAt)
	if r.UpdatedAt != nil {
		t := stamp(*r.UpdatedAt)
		r.UpdatedAt = &t
	}
	return &r, nil
}

func (p *PostgresDB) SaveReceipt(ctx context.Context, r *Receipt) error {
	query := `
		INSERT INTO receipts (` + selectReceiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			amount      = EXCLUDED.amount,
			category    = EXCLUDED.category,
			active      = EXCLUDED.active,
			updated_at  = EXCLUDED.updated_at
	`

	_, err := p.db.ExecContext(ctx, query,
		r.ID, r.OwnerID, r.FileName, r.StoragePath, r.MIMEType, r.Description,
		r.Amount, r.Category, r.Active, r.UploadedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving receipt: %w", err)
	}
	return nil
}

func (p *PostgresDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	query := `SELECT ` + selectReceiptColumns + ` FROM receipts WHERE id = $1 AND active`

	r, err := scanReceipt(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return r, nil
}

func (p *PostgresDB) ListReceipts(ctx context.Context, filter ListFilter) ([]*Receipt, int, error) {
	filter = filter.normalize()

	where := " WHERE active"
	var args []any
	argIdx := 1

	if filter.OwnerID != "" {
		where += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Category != "" {
		where += fmt.Sprintf(" AND lower(category) = lower($%d)", argIdx)
		args = append(args, filter.Category)
		argIdx++
	}

	if filter.Search != "" {
		where += fmt.Sprintf(" AND (file_name ILIKE $%d OR description ILIKE $%d OR category ILIKE $%d)", argIdx, argIdx, argIdx)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argIdx++
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting receipts: %w", err)
	}

	query := `SELECT ` + selectReceiptColumns + ` FROM receipts` + where +
		fmt.Sprintf(" ORDER BY uploaded_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.PageSize, filter.offset())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0, filter.PageSize)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating receipts: %w", err)
	}

	return receipts, total, nil
}

// GetOrCreateUser relies on the unique channel_address constraint: the no-op
// update makes RETURNING yield the existing row when the insert conflicts.
func (p *PostgresDB) GetOrCreateUser(ctx context.Context, candidate *User) (*User, error) {
	query := `
		INSERT INTO users (id, name, email, channel_address, document, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_address) DO UPDATE SET channel_address = EXCLUDED.channel_address
		RETURNING id, name, email, channel_address, document, active, created_at, updated_at
	`

	var u User
	err := p.db.QueryRowContext(ctx, query,
		candidate.ID, candidate.Name, candidate.Email, candidate.ChannelAddress,
		candidate.Document, candidate.Active, candidate.CreatedAt,
	).Scan(&u.ID, &u.Name, &u.Email, &u.ChannelAddress, &u.Document, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting or creating user: %w", err)
	}

	u.CreatedAt = stamp(u.CreatedAt)
	return &u, nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

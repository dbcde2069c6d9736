package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements ClientStore, StatisticsStore, BlockStore and
// AddressSettingsStore against a single Postgres connection pool, grounded
// on miner113-pool/internal/db/store.go's schema-on-connect pattern.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres connection and ensures the schema this
// pool's tables need exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`create table if not exists addresses (
			id serial primary key,
			address text unique not null,
			suggested_difficulty double precision not null default 0,
			best_difficulty double precision not null default 0,
			created_at timestamptz not null default now()
		)`,
		`create table if not exists clients (
			id bigserial primary key,
			session_id text unique not null,
			extranonce1 text not null,
			address_id integer references addresses(id),
			worker text,
			user_agent text,
			best_difficulty double precision not null default 0,
			started_at timestamptz not null,
			created_at timestamptz not null default now()
		)`,
		`create table if not exists submissions (
			id bigserial primary key,
			address_id integer references addresses(id),
			worker text,
			session_id text not null,
			hash text not null,
			session_difficulty double precision not null,
			created_at timestamptz not null default now()
		)`,
		`create table if not exists blocks (
			id bigserial primary key,
			height bigint not null,
			hash text unique not null,
			job_id text not null,
			found_by text,
			accepted boolean not null default false,
			confirmations integer not null default 0,
			status text not null default 'pending',
			created_at timestamptz not null default now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) getOrCreateAddress(ctx context.Context, address string) (int64, error) {
	if address == "" {
		address = "anonymous"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `select id from addresses where address=$1`, address).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, `insert into addresses (address) values ($1) returning id`, address).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("store: address upsert: %w", err)
	}
	return id, nil
}

// Insert persists a new client/session record.
func (s *PostgresStore) Insert(ctx context.Context, c ClientRecord) error {
	addrID, err := s.getOrCreateAddress(ctx, c.Address)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into clients (session_id, extranonce1, address_id, worker, user_agent, started_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (session_id) do update set extranonce1=excluded.extranonce1, worker=excluded.worker, user_agent=excluded.user_agent`,
		c.SessionID, c.ExtraNonce1, addrID, c.Worker, c.UserAgent, c.StartedAt)
	return err
}

// UpdateClientBestDifficulty updates a client's running best-share difficulty.
func (s *PostgresStore) UpdateClientBestDifficulty(ctx context.Context, sessionID string, best float64) error {
	_, err := s.db.ExecContext(ctx, `
		update clients set best_difficulty=$1 where session_id=$2 and best_difficulty < $1`, best, sessionID)
	return err
}

// AddSubmission records an accepted share.
func (s *PostgresStore) AddSubmission(ctx context.Context, sub SubmissionRecord) error {
	addrID, err := s.getOrCreateAddress(ctx, sub.Address)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into submissions (address_id, worker, session_id, hash, session_difficulty, created_at)
		values ($1,$2,$3,$4,$5,$6)`,
		addrID, sub.Worker, sub.SessionID, sub.Hash, sub.SessionDifficulty, sub.Timestamp)
	return err
}

// GetHashRate estimates an address's hashrate from its recent accepted
// shares (sum of session difficulties over a trailing window, converted to
// hashes/sec using the DIFF1 constant's hash-count equivalence).
func (s *PostgresStore) GetHashRate(ctx context.Context, address string) (float64, error) {
	const window = 10 * time.Minute
	var sumDiff float64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(s.session_difficulty), 0)
		from submissions s
		join addresses a on a.id = s.address_id
		where a.address = $1 and s.created_at > $2`, address, time.Now().Add(-window)).Scan(&sumDiff)
	if err != nil {
		return 0, fmt.Errorf("store: hashrate query: %w", err)
	}
	const diff1Hashes = 4294967296.0 // 2^32 hashes per difficulty-1 share, conventional estimate
	return sumDiff * diff1Hashes / window.Seconds(), nil
}

// Save persists a submitted block record, starting its confirmation status
// as pending.
func (s *PostgresStore) Save(ctx context.Context, b BlockRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into blocks (height, hash, job_id, found_by, accepted, created_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (hash) do nothing`, b.Height, b.Hash, b.JobID, b.FoundBy, b.Accepted, b.Timestamp)
	return err
}

// PendingBlocks returns up to limit blocks still awaiting confirmation.
func (s *PostgresStore) PendingBlocks(ctx context.Context, limit int) ([]BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select height, hash, job_id, found_by, accepted, confirmations, status, created_at
		from blocks where status = 'pending' order by created_at asc limit $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending blocks: %w", err)
	}
	defer rows.Close()

	var out []BlockRecord
	for rows.Next() {
		var b BlockRecord
		if err := rows.Scan(&b.Height, &b.Hash, &b.JobID, &b.FoundBy, &b.Accepted, &b.Confirmations, &b.Status, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan pending block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBlockConfirmations records the latest confirmation count and
// derived status ("pending", "confirmed", "orphan") for a known block.
func (s *PostgresStore) UpdateBlockConfirmations(ctx context.Context, hash string, confirmations int, status string) error {
	_, err := s.db.ExecContext(ctx, `
		update blocks set confirmations=$1, status=$2 where hash=$3`, confirmations, status, hash)
	return err
}

// GetSettings returns per-address settings, creating a default row if the
// address has never been seen.
func (s *PostgresStore) GetSettings(ctx context.Context, address string) (AddressSettings, error) {
	var out AddressSettings
	out.Address = address
	_, err := s.getOrCreateAddress(ctx, address)
	if err != nil {
		return out, err
	}
	err = s.db.QueryRowContext(ctx, `
		select suggested_difficulty, best_difficulty from addresses where address=$1`, address).
		Scan(&out.SuggestedDifficulty, &out.BestDifficulty)
	return out, err
}

// UpdateBestDifficulty updates an address's running best-share difficulty.
func (s *PostgresStore) UpdateBestDifficulty(ctx context.Context, address string, best float64) error {
	_, err := s.db.ExecContext(ctx, `
		update addresses set best_difficulty=$1 where address=$2 and best_difficulty < $1`, best, address)
	return err
}

// ResetBestDifficultyAndShares clears an address's best-share bookkeeping,
// e.g. after a payout round.
func (s *PostgresStore) ResetBestDifficultyAndShares(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `update addresses set best_difficulty=0 where address=$1`, address)
	return err
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

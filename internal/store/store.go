// Package store defines the external persistence collaborators the core
// depends on but does not own: ClientStore, StatisticsStore, BlockStore
// and AddressSettingsStore. The core only ever sees these interfaces; a
// concrete Postgres-backed implementation lives in postgres.go, grounded
// on miner113-pool/internal/db/store.go.
package store

import (
	"context"
	"time"
)

// ClientRecord describes a session at the moment it completes its
// handshake and becomes Active.
type ClientRecord struct {
	SessionID   string
	ExtraNonce1 string
	Address     string
	Worker      string
	UserAgent   string
	StartedAt   time.Time
}

// ClientStore persists live session/client records.
type ClientStore interface {
	Insert(ctx context.Context, c ClientRecord) error
	UpdateClientBestDifficulty(ctx context.Context, sessionID string, best float64) error
}

// SubmissionRecord is one accepted share, forwarded for accounting.
type SubmissionRecord struct {
	Address           string
	Worker            string
	SessionID         string
	Hash              string
	SessionDifficulty float64
	Timestamp         time.Time
}

// StatisticsStore records accepted shares and answers hashrate queries.
type StatisticsStore interface {
	AddSubmission(ctx context.Context, s SubmissionRecord) error
	GetHashRate(ctx context.Context, address string) (float64, error)
}

// BlockRecord describes a submitted block candidate and its confirmation
// status as tracked after submission.
type BlockRecord struct {
	Height        int64
	Hash          string
	JobID         string
	FoundBy       string
	Accepted      bool
	Confirmations int
	Status        string // "pending", "confirmed", or "orphan"
	Timestamp     time.Time
}

// BlockStore persists found-block records and their confirmation status.
type BlockStore interface {
	Save(ctx context.Context, b BlockRecord) error
	PendingBlocks(ctx context.Context, limit int) ([]BlockRecord, error)
	UpdateBlockConfirmations(ctx context.Context, hash string, confirmations int, status string) error
}

// AddressSettings carries per-address configuration and running best-share
// state.
type AddressSettings struct {
	Address              string
	SuggestedDifficulty   float64
	BestDifficulty        float64
}

// AddressSettingsStore manages per-address settings and best-share state.
type AddressSettingsStore interface {
	GetSettings(ctx context.Context, address string) (AddressSettings, error)
	UpdateBestDifficulty(ctx context.Context, address string, best float64) error
	ResetBestDifficultyAndShares(ctx context.Context, address string) error
}

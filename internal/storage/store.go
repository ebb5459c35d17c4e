package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ballotworks/ballot-tokens/internal/token"
)

var (
	// ErrLiveTokenExists is returned by CreateToken when an issued token
	// already exists for the (voter, election) pair. Backends must enforce
	// this atomically (unique constraint or equivalent), not just check.
	ErrLiveTokenExists = errors.New("live token already exists for voter and election")
	// ErrTokenUUIDExists guards the public token uuid uniqueness.
	ErrTokenUUIDExists = errors.New("token uuid already exists")
	ErrTokenMissing    = errors.New("token not found")
	// ErrInvalidTransition is returned for any status write against a token
	// that is no longer in the required prior state. Terminal states never
	// transition; a losing concurrent writer gets this error, loudly.
	ErrInvalidTransition = errors.New("invalid token status transition")
	ErrQueueEntryMissing = errors.New("offline queue entry not found")
)

// OfflineSubmissionInput consumes a token and records its offline ballot in
// one atomic step. The entry is created already synced: this path processes
// a previously offline vote inline, it does not defer work to a sync job.
type OfflineSubmissionInput struct {
	TokenID       string
	EncryptedData string
	SubmittedAt   time.Time
}

// Store is the persistence contract for the ballot-token core. It owns the
// one-live-token-per-(voter,election) invariant and the monotonic status
// state machine; callers rely on both being enforced here rather than in
// application code.
type Store interface {
	Close()

	CreateToken(ctx context.Context, t token.BallotToken) error
	GetTokenByUUID(ctx context.Context, tokenUUID string) (token.BallotToken, bool, error)
	FindIssuedToken(ctx context.Context, voterID, electionID string) (token.BallotToken, bool, error)

	MarkTokenUsed(ctx context.Context, tokenID string, usedAt time.Time) error
	MarkTokenExpired(ctx context.Context, tokenID string) error
	InvalidateToken(ctx context.Context, tokenID string, invalidatedAt time.Time, reason string) error

	FinalizeOfflineSubmission(ctx context.Context, in OfflineSubmissionInput) (token.OfflineQueueEntry, error)
	EnqueueOffline(ctx context.Context, tokenID, encryptedData string) (token.OfflineQueueEntry, error)
	MarkQueueSynced(ctx context.Context, entryID int64, syncedAt time.Time) error
	RecordQueueSyncError(ctx context.Context, entryID int64, message string) error
	ListQueueEntries(ctx context.Context, tokenID string) ([]token.OfflineQueueEntry, error)
	FetchUnsyncedQueue(ctx context.Context, limit int) ([]token.OfflineQueueEntry, error)

	AppendUsage(ctx context.Context, entry token.UsageLogEntry) error
	ListUsageByToken(ctx context.Context, tokenID string) ([]token.UsageLogEntry, error)

	TokenStats(ctx context.Context) (token.Stats, error)
	CountTokens(ctx context.Context) (int, error)
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

// FinalizeOfflineSubmission consumes the token and records its ballot
// ciphertext in one serializable transaction. The token row is locked so a
// concurrent submission for the same token loses with ErrInvalidTransition
// instead of double-counting a vote.
func (s *Store) FinalizeOfflineSubmission(ctx context.Context, in storage.OfflineSubmissionInput) (token.OfflineQueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return token.OfflineQueueEntry{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx, `
SELECT status
FROM ballot_tokens
WHERE id = $1
FOR UPDATE
`, in.TokenID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return token.OfflineQueueEntry{}, storage.ErrTokenMissing
	}
	if err != nil {
		return token.OfflineQueueEntry{}, err
	}
	if status != string(token.StatusIssued) {
		return token.OfflineQueueEntry{}, storage.ErrInvalidTransition
	}

	submittedAt := in.SubmittedAt.UTC()
	cmd, err := tx.Exec(ctx, `
UPDATE ballot_tokens
SET status = 'used', used_at = $2
WHERE id = $1 AND status = 'issued'
`, in.TokenID, submittedAt)
	if err != nil {
		return token.OfflineQueueEntry{}, err
	}
	if cmd.RowsAffected() == 0 {
		return token.OfflineQueueEntry{}, storage.ErrInvalidTransition
	}

	entry := token.OfflineQueueEntry{
		BallotTokenID: in.TokenID,
		EncryptedData: in.EncryptedData,
		IsSynced:      true,
		SyncAttempts:  1,
		CreatedAt:     submittedAt,
		SyncedAt:      &submittedAt,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO offline_queue (ballot_token_id, encrypted_data, is_synced, sync_attempts, created_at, synced_at)
VALUES ($1, $2, TRUE, 1, $3, $3)
RETURNING id
`, in.TokenID, in.EncryptedData, submittedAt).Scan(&entry.ID)
	if err != nil {
		return token.OfflineQueueEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return token.OfflineQueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) EnqueueOffline(ctx context.Context, tokenID, encryptedData string) (token.OfflineQueueEntry, error) {
	entry := token.OfflineQueueEntry{BallotTokenID: tokenID, EncryptedData: encryptedData}
	err := s.pool.QueryRow(ctx, `
INSERT INTO offline_queue (ballot_token_id, encrypted_data)
VALUES ($1, $2)
RETURNING id, created_at
`, tokenID, encryptedData).Scan(&entry.ID, &entry.CreatedAt)
	if isForeignKeyViolation(err) {
		return token.OfflineQueueEntry{}, storage.ErrTokenMissing
	}
	if err != nil {
		return token.OfflineQueueEntry{}, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *Store) MarkQueueSynced(ctx context.Context, entryID int64, syncedAt time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE offline_queue
SET is_synced = TRUE,
    last_sync_error = '',
    synced_at = $2
WHERE id = $1
`, entryID, syncedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrQueueEntryMissing
	}
	return nil
}

func (s *Store) RecordQueueSyncError(ctx context.Context, entryID int64, message string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE offline_queue
SET sync_attempts = sync_attempts + 1,
    last_sync_error = $2
WHERE id = $1
`, entryID, message)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrQueueEntryMissing
	}
	return nil
}

const queueColumns = `
id, ballot_token_id, encrypted_data, is_synced, sync_attempts, last_sync_error, created_at, synced_at`

func (s *Store) ListQueueEntries(ctx context.Context, tokenID string) ([]token.OfflineQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+queueColumns+`
FROM offline_queue
WHERE ballot_token_id = $1
ORDER BY created_at ASC
`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

// FetchUnsyncedQueue is the read path for the out-of-scope reconciliation
// job that retries entries which failed to sync inline.
func (s *Store) FetchUnsyncedQueue(ctx context.Context, limit int) ([]token.OfflineQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+queueColumns+`
FROM offline_queue
WHERE is_synced = FALSE
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

func scanQueueEntries(rows pgx.Rows) ([]token.OfflineQueueEntry, error) {
	entries := make([]token.OfflineQueueEntry, 0)
	for rows.Next() {
		var entry token.OfflineQueueEntry
		var syncedAt *time.Time
		if err := rows.Scan(
			&entry.ID,
			&entry.BallotTokenID,
			&entry.EncryptedData,
			&entry.IsSynced,
			&entry.SyncAttempts,
			&entry.LastSyncError,
			&entry.CreatedAt,
			&syncedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		if syncedAt != nil {
			t := syncedAt.UTC()
			entry.SyncedAt = &t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

func issuedToken(t *testing.T, voterID, electionID string) token.BallotToken {
	t.Helper()
	now := time.Now().UTC()
	tok, err := token.New(voterID, electionID, now, 24*time.Hour, now.Add(48*time.Hour), "127.0.0.1", "test")
	require.NoError(t, err)
	return tok
}

func TestCreateTokenEnforcesLiveUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, first))

	second := issuedToken(t, "voter-1", "election-1")
	err := store.CreateToken(ctx, second)
	assert.ErrorIs(t, err, storage.ErrLiveTokenExists)

	// A different election is fine.
	third := issuedToken(t, "voter-1", "election-2")
	require.NoError(t, store.CreateToken(ctx, third))
}

func TestCreateTokenAllowsReissueAfterTerminalState(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, first))
	require.NoError(t, store.MarkTokenExpired(ctx, first.ID))

	second := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, second))
}

func TestConcurrentCreateHasExactlyOneWinner(t *testing.T) {
	store := New()
	ctx := context.Background()

	const attempts = 50
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			tok := issuedToken(t, "voter-1", "election-1")
			errs[slot] = store.CreateToken(ctx, tok)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, storage.ErrLiveTokenExists)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent issuance must win")
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	store := New()
	ctx := context.Background()

	tok := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, tok))
	require.NoError(t, store.MarkTokenUsed(ctx, tok.ID, time.Now()))

	assert.ErrorIs(t, store.MarkTokenUsed(ctx, tok.ID, time.Now()), storage.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkTokenExpired(ctx, tok.ID), storage.ErrInvalidTransition)
	assert.ErrorIs(t, store.InvalidateToken(ctx, tok.ID, time.Now(), "x"), storage.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkTokenUsed(ctx, "tok_missing", time.Now()), storage.ErrTokenMissing)

	got, found, err := store.GetTokenByUUID(ctx, tok.TokenUUID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, token.StatusUsed, got.Status)
	require.NotNil(t, got.UsedAt)
}

func TestInvalidateRecordsReason(t *testing.T) {
	store := New()
	ctx := context.Background()

	tok := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, tok))
	require.NoError(t, store.InvalidateToken(ctx, tok.ID, time.Now(), "compromised"))

	got, found, err := store.GetTokenByUUID(ctx, tok.TokenUUID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, token.StatusInvalidated, got.Status)
	assert.Equal(t, "compromised", got.OfflineData["invalidation_reason"])
	require.NotNil(t, got.InvalidatedAt)
}

func TestFinalizeOfflineSubmission(t *testing.T) {
	store := New()
	ctx := context.Background()

	tok := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, tok))

	entry, err := store.FinalizeOfflineSubmission(ctx, storage.OfflineSubmissionInput{
		TokenID:       tok.ID,
		EncryptedData: "ciphertext",
		SubmittedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, entry.IsSynced)
	assert.Equal(t, 1, entry.SyncAttempts)
	require.NotNil(t, entry.SyncedAt)

	// The token is consumed; a second submission loses loudly.
	_, err = store.FinalizeOfflineSubmission(ctx, storage.OfflineSubmissionInput{
		TokenID:       tok.ID,
		EncryptedData: "ciphertext-2",
		SubmittedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	entries, err := store.ListQueueEntries(ctx, tok.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a failed submission must not enqueue")
}

func TestEnqueueOfflineRequiresExistingToken(t *testing.T) {
	store := New()

	_, err := store.EnqueueOffline(context.Background(), "tok_missing", "ciphertext")
	assert.ErrorIs(t, err, storage.ErrTokenMissing)
}

func TestQueueRetryBookkeeping(t *testing.T) {
	store := New()
	ctx := context.Background()

	tok := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, tok))

	entry, err := store.EnqueueOffline(ctx, tok.ID, "ciphertext")
	require.NoError(t, err)
	assert.False(t, entry.IsSynced)

	require.NoError(t, store.RecordQueueSyncError(ctx, entry.ID, "relay unreachable"))
	require.NoError(t, store.RecordQueueSyncError(ctx, entry.ID, "relay unreachable again"))

	unsynced, err := store.FetchUnsyncedQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, 2, unsynced[0].SyncAttempts)
	assert.Equal(t, "relay unreachable again", unsynced[0].LastSyncError)

	require.NoError(t, store.MarkQueueSynced(ctx, entry.ID, time.Now()))
	unsynced, err = store.FetchUnsyncedQueue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	all, err := store.ListQueueEntries(ctx, tok.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "entries are never deleted")
	assert.Empty(t, all[0].LastSyncError)
}

func TestTokenStats(t *testing.T) {
	store := New()
	ctx := context.Background()

	a := issuedToken(t, "voter-1", "election-1")
	b := issuedToken(t, "voter-2", "election-1")
	c := issuedToken(t, "voter-3", "election-2")
	require.NoError(t, store.CreateToken(ctx, a))
	require.NoError(t, store.CreateToken(ctx, b))
	require.NoError(t, store.CreateToken(ctx, c))
	require.NoError(t, store.MarkTokenUsed(ctx, b.ID, time.Now()))

	stats, err := store.TokenStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus["issued"])
	assert.Equal(t, 1, stats.ByStatus["used"])
	assert.Equal(t, 2, stats.ByElection["election-1"])
	assert.Equal(t, 1, stats.ByElection["election-2"])
}

func TestUsageLogOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()

	tok := issuedToken(t, "voter-1", "election-1")
	require.NoError(t, store.CreateToken(ctx, tok))

	base := time.Now().UTC()
	for i, action := range []string{token.ActionIssued, token.ActionValidated, token.ActionUsed} {
		require.NoError(t, store.AppendUsage(ctx, token.UsageLogEntry{
			BallotTokenID: tok.ID,
			Action:        action,
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := store.ListUsageByToken(ctx, tok.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, token.ActionIssued, entries[0].Action)
	assert.Equal(t, token.ActionUsed, entries[2].Action)
}

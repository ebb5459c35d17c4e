// Package memory implements the storage contract in process memory. It
// backs the test suite and single-node deployments that do not carry a
// database; the uniqueness and transition invariants hold under one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

type Store struct {
	mu      sync.Mutex
	tokens  map[string]*token.BallotToken // keyed by internal id
	byUUID  map[string]string             // token uuid -> internal id
	queue   []*token.OfflineQueueEntry
	usage   []token.UsageLogEntry
	queueID int64
	usageID int64
}

func New() *Store {
	return &Store{
		tokens: map[string]*token.BallotToken{},
		byUUID: map[string]string{},
	}
}

func (s *Store) Close() {}

func (s *Store) CreateToken(_ context.Context, t token.BallotToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUUID[t.TokenUUID]; exists {
		return storage.ErrTokenUUIDExists
	}
	for _, existing := range s.tokens {
		if existing.VoterID == t.VoterID && existing.ElectionID == t.ElectionID && existing.Status == token.StatusIssued {
			return storage.ErrLiveTokenExists
		}
	}
	clone := cloneToken(t)
	s.tokens[t.ID] = &clone
	s.byUUID[t.TokenUUID] = t.ID
	return nil
}

func (s *Store) GetTokenByUUID(_ context.Context, tokenUUID string) (token.BallotToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUUID[tokenUUID]
	if !ok {
		return token.BallotToken{}, false, nil
	}
	return cloneToken(*s.tokens[id]), true, nil
}

func (s *Store) FindIssuedToken(_ context.Context, voterID, electionID string) (token.BallotToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.VoterID == voterID && t.ElectionID == electionID && t.Status == token.StatusIssued {
			return cloneToken(*t), true, nil
		}
	}
	return token.BallotToken{}, false, nil
}

func (s *Store) MarkTokenUsed(_ context.Context, tokenID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return storage.ErrTokenMissing
	}
	if t.Status != token.StatusIssued {
		return storage.ErrInvalidTransition
	}
	at := usedAt.UTC()
	t.Status = token.StatusUsed
	t.UsedAt = &at
	return nil
}

func (s *Store) MarkTokenExpired(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return storage.ErrTokenMissing
	}
	if t.Status != token.StatusIssued {
		return storage.ErrInvalidTransition
	}
	t.Status = token.StatusExpired
	return nil
}

func (s *Store) InvalidateToken(_ context.Context, tokenID string, invalidatedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return storage.ErrTokenMissing
	}
	if t.Status != token.StatusIssued {
		return storage.ErrInvalidTransition
	}
	at := invalidatedAt.UTC()
	t.Status = token.StatusInvalidated
	t.InvalidatedAt = &at
	if t.OfflineData == nil {
		t.OfflineData = map[string]string{}
	}
	t.OfflineData["invalidation_reason"] = reason
	return nil
}

func (s *Store) FinalizeOfflineSubmission(_ context.Context, in storage.OfflineSubmissionInput) (token.OfflineQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[in.TokenID]
	if !ok {
		return token.OfflineQueueEntry{}, storage.ErrTokenMissing
	}
	if t.Status != token.StatusIssued {
		return token.OfflineQueueEntry{}, storage.ErrInvalidTransition
	}
	at := in.SubmittedAt.UTC()
	t.Status = token.StatusUsed
	t.UsedAt = &at

	s.queueID++
	entry := &token.OfflineQueueEntry{
		ID:            s.queueID,
		BallotTokenID: in.TokenID,
		EncryptedData: in.EncryptedData,
		IsSynced:      true,
		SyncAttempts:  1,
		CreatedAt:     at,
		SyncedAt:      &at,
	}
	s.queue = append(s.queue, entry)
	return cloneEntry(*entry), nil
}

func (s *Store) EnqueueOffline(_ context.Context, tokenID, encryptedData string) (token.OfflineQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return token.OfflineQueueEntry{}, storage.ErrTokenMissing
	}
	s.queueID++
	entry := &token.OfflineQueueEntry{
		ID:            s.queueID,
		BallotTokenID: tokenID,
		EncryptedData: encryptedData,
		CreatedAt:     time.Now().UTC(),
	}
	s.queue = append(s.queue, entry)
	return cloneEntry(*entry), nil
}

func (s *Store) MarkQueueSynced(_ context.Context, entryID int64, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.findEntry(entryID)
	if entry == nil {
		return storage.ErrQueueEntryMissing
	}
	at := syncedAt.UTC()
	entry.IsSynced = true
	entry.LastSyncError = ""
	entry.SyncedAt = &at
	return nil
}

func (s *Store) RecordQueueSyncError(_ context.Context, entryID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.findEntry(entryID)
	if entry == nil {
		return storage.ErrQueueEntryMissing
	}
	entry.SyncAttempts++
	entry.LastSyncError = message
	return nil
}

func (s *Store) ListQueueEntries(_ context.Context, tokenID string) ([]token.OfflineQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.OfflineQueueEntry, 0)
	for _, entry := range s.queue {
		if entry.BallotTokenID == tokenID {
			out = append(out, cloneEntry(*entry))
		}
	}
	return out, nil
}

func (s *Store) FetchUnsyncedQueue(_ context.Context, limit int) ([]token.OfflineQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.OfflineQueueEntry, 0)
	for _, entry := range s.queue {
		if entry.IsSynced {
			continue
		}
		out = append(out, cloneEntry(*entry))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendUsage(_ context.Context, entry token.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageID++
	entry.ID = s.usageID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.usage = append(s.usage, entry)
	return nil
}

func (s *Store) ListUsageByToken(_ context.Context, tokenID string) ([]token.UsageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.UsageLogEntry, 0)
	for _, entry := range s.usage {
		if entry.BallotTokenID == tokenID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) TokenStats(_ context.Context) (token.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := token.Stats{ByStatus: map[string]int{}, ByElection: map[string]int{}}
	for _, t := range s.tokens {
		stats.Total++
		stats.ByStatus[string(t.Status)]++
		stats.ByElection[t.ElectionID]++
	}
	return stats, nil
}

func (s *Store) CountTokens(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens), nil
}

func (s *Store) findEntry(entryID int64) *token.OfflineQueueEntry {
	for _, entry := range s.queue {
		if entry.ID == entryID {
			return entry
		}
	}
	return nil
}

func cloneToken(t token.BallotToken) token.BallotToken {
	if t.OfflineData != nil {
		data := make(map[string]string, len(t.OfflineData))
		for k, v := range t.OfflineData {
			data[k] = v
		}
		t.OfflineData = data
	}
	if t.UsedAt != nil {
		u := *t.UsedAt
		t.UsedAt = &u
	}
	if t.InvalidatedAt != nil {
		i := *t.InvalidatedAt
		t.InvalidatedAt = &i
	}
	return t
}

func cloneEntry(e token.OfflineQueueEntry) token.OfflineQueueEntry {
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		e.SyncedAt = &t
	}
	return e
}

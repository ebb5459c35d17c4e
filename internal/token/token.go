package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyUsed        = errors.New("token already used")
	ErrAlreadyInvalidated = errors.New("token already invalidated")
	ErrAlreadyExpired     = errors.New("token already expired")
	ErrNotIssued          = errors.New("token is not in issued state")
)

// New builds an issued token for the given voter and election. Expiry is
// min(now+ttl, windowEnd) so a token never outlives its election.
func New(voterID, electionID string, now time.Time, ttl time.Duration, windowEnd time.Time, clientIP, userAgent string) (BallotToken, error) {
	if voterID == "" {
		return BallotToken{}, errors.New("voter id is required")
	}
	if electionID == "" {
		return BallotToken{}, errors.New("election id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	id, err := RandomID("tok")
	if err != nil {
		return BallotToken{}, err
	}
	// Second precision keeps the signed RFC3339 payload stable across a
	// storage round trip.
	now = now.UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	if !windowEnd.IsZero() && windowEnd.UTC().Before(expires) {
		expires = windowEnd.UTC().Truncate(time.Second)
	}
	if !expires.After(now) {
		return BallotToken{}, errors.New("token would expire before issuance")
	}
	return BallotToken{
		ID:              id,
		TokenUUID:       uuid.NewString(),
		VoterID:         voterID,
		ElectionID:      electionID,
		Status:          StatusIssued,
		IssuedAt:        now,
		ExpiresAt:       expires,
		IssuedIP:        clientIP,
		IssuedUserAgent: userAgent,
	}, nil
}

// IsExpired is computed from the clock, not from stored status. Expiry at
// exactly ExpiresAt counts as expired.
func (t *BallotToken) IsExpired(now time.Time) bool {
	return !now.UTC().Before(t.ExpiresAt)
}

// IsValid is the single predicate gating admission to voting. electionOpen
// is the collaborating election's CanVote result and must be re-evaluated by
// the caller at validation time, never cached across requests.
func (t *BallotToken) IsValid(now time.Time, electionOpen bool) bool {
	return t.Status == StatusIssued && !t.IsExpired(now) && electionOpen
}

// MarkUsed transitions Issued → Used. Terminal states reject the transition
// and leave the token untouched.
func (t *BallotToken) MarkUsed(now time.Time) error {
	if err := t.requireIssued(); err != nil {
		return err
	}
	used := now.UTC()
	t.Status = StatusUsed
	t.UsedAt = &used
	return nil
}

// MarkExpired persists an observed expiry. Only an issued token can be
// flipped to expired.
func (t *BallotToken) MarkExpired() error {
	if err := t.requireIssued(); err != nil {
		return err
	}
	t.Status = StatusExpired
	return nil
}

// Invalidate transitions Issued → Invalidated and records the reason for
// the audit trail.
func (t *BallotToken) Invalidate(now time.Time, reason string) error {
	if err := t.requireIssued(); err != nil {
		return err
	}
	at := now.UTC()
	t.Status = StatusInvalidated
	t.InvalidatedAt = &at
	if t.OfflineData == nil {
		t.OfflineData = map[string]string{}
	}
	t.OfflineData["invalidation_reason"] = reason
	return nil
}

func (t *BallotToken) requireIssued() error {
	switch t.Status {
	case StatusIssued:
		return nil
	case StatusUsed:
		return ErrAlreadyUsed
	case StatusExpired:
		return ErrAlreadyExpired
	case StatusInvalidated:
		return ErrAlreadyInvalidated
	default:
		return fmt.Errorf("%w: status %q", ErrNotIssued, t.Status)
	}
}

// RandomID returns prefix_<32 hex chars> from a CSPRNG.
func RandomID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random id: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewCapsExpiryAtWindowEnd(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	windowEnd := now.Add(2 * time.Hour)
	tok, err := New("voter-1", "election-1", now, 24*time.Hour, windowEnd, "10.0.0.1", "cli")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tok.ExpiresAt.Equal(windowEnd) {
		t.Fatalf("expected expiry capped at window end %v, got %v", windowEnd, tok.ExpiresAt)
	}
	if tok.Status != StatusIssued {
		t.Fatalf("expected issued status, got %s", tok.Status)
	}
	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Fatalf("expires_at must be after issued_at")
	}
}

func TestNewUsesTTLWhenWindowIsLater(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tok, err := New("voter-1", "election-1", now, 24*time.Hour, now.Add(72*time.Hour), "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tok.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("expected ttl expiry, got %v", tok.ExpiresAt)
	}
}

func TestNewRejectsClosedWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	if _, err := New("voter-1", "election-1", now, 24*time.Hour, now.Add(-time.Minute), "", ""); err == nil {
		t.Fatalf("expected error for window already closed")
	}
}

func TestExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tok := BallotToken{Status: StatusIssued, ExpiresAt: now.Add(time.Second)}
	if tok.IsExpired(now) {
		t.Fatalf("token expiring in 1s must not be expired")
	}
	if !tok.IsValid(now, true) {
		t.Fatalf("token expiring in 1s must be valid")
	}
	tok.ExpiresAt = now.Add(-time.Second)
	if !tok.IsExpired(now) {
		t.Fatalf("token expired 1s ago must be expired")
	}
	if tok.IsValid(now, true) {
		t.Fatalf("token expired 1s ago must not be valid")
	}
	tok.ExpiresAt = now
	if !tok.IsExpired(now) {
		t.Fatalf("token expiring exactly now must be expired")
	}
}

func TestIsValidRequiresOpenElection(t *testing.T) {
	now := time.Now().UTC()
	tok := BallotToken{Status: StatusIssued, ExpiresAt: now.Add(time.Hour)}
	if tok.IsValid(now, false) {
		t.Fatalf("token must not be valid when election cannot vote")
	}
}

func TestMarkUsedIsOneWay(t *testing.T) {
	now := time.Now().UTC()
	tok := BallotToken{Status: StatusIssued, ExpiresAt: now.Add(time.Hour)}
	if err := tok.MarkUsed(now); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if tok.Status != StatusUsed || tok.UsedAt == nil {
		t.Fatalf("expected used status with used_at set")
	}
	firstUsedAt := *tok.UsedAt
	if err := tok.MarkUsed(now.Add(time.Minute)); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if !tok.UsedAt.Equal(firstUsedAt) {
		t.Fatalf("used_at must not change on a rejected transition")
	}
}

func TestInvalidateOnlyFromIssued(t *testing.T) {
	now := time.Now().UTC()
	tok := BallotToken{Status: StatusIssued, ExpiresAt: now.Add(time.Hour)}
	if err := tok.Invalidate(now, "compromised"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if tok.Status != StatusInvalidated || tok.InvalidatedAt == nil {
		t.Fatalf("expected invalidated status with timestamp")
	}
	if tok.OfflineData["invalidation_reason"] != "compromised" {
		t.Fatalf("expected reason recorded in offline data")
	}
	if err := tok.Invalidate(now, "again"); !errors.Is(err, ErrAlreadyInvalidated) {
		t.Fatalf("expected ErrAlreadyInvalidated, got %v", err)
	}
	used := BallotToken{Status: StatusUsed}
	if err := used.Invalidate(now, "x"); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestMarkExpiredRejectsTerminalStates(t *testing.T) {
	tok := BallotToken{Status: StatusInvalidated}
	if err := tok.MarkExpired(); !errors.Is(err, ErrAlreadyInvalidated) {
		t.Fatalf("expected ErrAlreadyInvalidated, got %v", err)
	}
}

func TestRandomIDPrefix(t *testing.T) {
	id, err := RandomID("tok")
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	if !strings.HasPrefix(id, "tok_") || len(id) != len("tok_")+32 {
		t.Fatalf("unexpected id format: %s", id)
	}
}

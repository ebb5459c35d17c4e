package directory

import (
	"testing"
	"time"
)

func TestIsEligibleToVote(t *testing.T) {
	if !IsEligibleToVote(Voter{ID: "v1", Role: "voter", IsActive: true}) {
		t.Fatalf("active voter must be eligible")
	}
	if IsEligibleToVote(Voter{ID: "v1", Role: "voter", IsActive: false}) {
		t.Fatalf("inactive voter must not be eligible")
	}
	if IsEligibleToVote(Voter{ID: "v1", Role: "observer", IsActive: true}) {
		t.Fatalf("observer role must not be eligible")
	}
}

func TestCanVoteWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	e := Election{ID: "e1", Status: "active", VotingStart: now.Add(-time.Hour), VotingEnd: now.Add(time.Hour)}
	if !e.CanVote(now) {
		t.Fatalf("election inside window must allow voting")
	}
	if e.CanVote(now.Add(2 * time.Hour)) {
		t.Fatalf("election past window must not allow voting")
	}
	if e.CanVote(now.Add(-2 * time.Hour)) {
		t.Fatalf("election before window must not allow voting")
	}
	e.Status = "draft"
	if e.CanVote(now) {
		t.Fatalf("non-active election must not allow voting")
	}
}

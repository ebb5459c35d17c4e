// Package directory exposes the narrow collaborator interfaces the token
// core consumes: voter identity and election metadata. The real records are
// owned elsewhere; this core only reads them.
package directory

import (
	"context"
	"time"
)

type Voter struct {
	ID       string
	Role     string
	IsActive bool
}

type Election struct {
	ID          string
	Status      string
	VotingStart time.Time
	VotingEnd   time.Time
}

// Roles allowed to request ballot tokens.
var eligibleRoles = map[string]bool{
	"voter":            true,
	"election_officer": true,
	"admin":            true,
}

func IsEligibleToVote(v Voter) bool {
	return v.IsActive && eligibleRoles[v.Role]
}

// CanVote reports whether ballots may be cast right now: the election must
// be active and now inside [VotingStart, VotingEnd).
func (e Election) CanVote(now time.Time) bool {
	if e.Status != "active" {
		return false
	}
	now = now.UTC()
	if now.Before(e.VotingStart) {
		return false
	}
	return now.Before(e.VotingEnd)
}

type VoterDirectory interface {
	GetVoter(ctx context.Context, voterID string) (Voter, bool, error)
}

type ElectionDirectory interface {
	GetElection(ctx context.Context, electionID string) (Election, bool, error)
}

// Static serves fixed voter and election sets. Used by tests and by
// deployments that provision the directory from configuration.
type Static struct {
	Voters    map[string]Voter
	Elections map[string]Election
}

func (s *Static) GetVoter(_ context.Context, voterID string) (Voter, bool, error) {
	v, ok := s.Voters[voterID]
	return v, ok, nil
}

func (s *Static) GetElection(_ context.Context, electionID string) (Election, bool, error) {
	e, ok := s.Elections[electionID]
	return e, ok, nil
}

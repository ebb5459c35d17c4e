package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ballotworks/ballot-tokens/internal/directory"
)

// Directory reads the voter and election collaborator tables. The token
// core never writes them; they are provisioned by the surrounding system.
type Directory struct {
	store *Store
}

func NewDirectory(store *Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) GetVoter(ctx context.Context, voterID string) (directory.Voter, bool, error) {
	var v directory.Voter
	err := d.store.pool.QueryRow(ctx, `
SELECT id, role, is_active
FROM voters
WHERE id = $1
`, voterID).Scan(&v.ID, &v.Role, &v.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

func (d *Directory) GetElection(ctx context.Context, electionID string) (directory.Election, bool, error) {
	var e directory.Election
	err := d.store.pool.QueryRow(ctx, `
SELECT id, status, voting_start, voting_end
FROM elections
WHERE id = $1
`, electionID).Scan(&e.ID, &e.Status, &e.VotingStart, &e.VotingEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	e.VotingStart = e.VotingStart.UTC()
	e.VotingEnd = e.VotingEnd.UTC()
	return e, true, nil
}

package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

const tokenColumns = `
id, token_uuid, signature, voter_id, election_id, status,
issued_at, expires_at, used_at, invalidated_at,
issued_ip, issued_user_agent, offline_data`

func (s *Store) CreateToken(ctx context.Context, t token.BallotToken) error {
	offline, err := json.Marshal(orEmpty(t.OfflineData))
	if err != nil {
		return fmt.Errorf("marshal offline data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO ballot_tokens (
  id, token_uuid, signature, voter_id, election_id, status,
  issued_at, expires_at, issued_ip, issued_user_agent, offline_data
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
`,
		t.ID,
		t.TokenUUID,
		t.SignatureHex,
		t.VoterID,
		t.ElectionID,
		string(t.Status),
		t.IssuedAt.UTC(),
		t.ExpiresAt.UTC(),
		t.IssuedIP,
		t.IssuedUserAgent,
		offline,
	)
	if err != nil {
		switch {
		case isUniqueViolationFor(err, "live"):
			return storage.ErrLiveTokenExists
		case isUniqueViolationFor(err, "token_uuid"):
			return storage.ErrTokenUUIDExists
		default:
			return err
		}
	}
	return nil
}

func (s *Store) GetTokenByUUID(ctx context.Context, tokenUUID string) (token.BallotToken, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM ballot_tokens WHERE token_uuid = $1`, tokenUUID)
	return scanToken(row)
}

func (s *Store) FindIssuedToken(ctx context.Context, voterID, electionID string) (token.BallotToken, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+tokenColumns+`
FROM ballot_tokens
WHERE voter_id = $1 AND election_id = $2 AND status = 'issued'
`, voterID, electionID)
	return scanToken(row)
}

func (s *Store) MarkTokenUsed(ctx context.Context, tokenID string, usedAt time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE ballot_tokens
SET status = 'used', used_at = $2
WHERE id = $1 AND status = 'issued'
`, tokenID, usedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.transitionFailure(ctx, tokenID)
	}
	return nil
}

func (s *Store) MarkTokenExpired(ctx context.Context, tokenID string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE ballot_tokens
SET status = 'expired'
WHERE id = $1 AND status = 'issued'
`, tokenID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.transitionFailure(ctx, tokenID)
	}
	return nil
}

func (s *Store) InvalidateToken(ctx context.Context, tokenID string, invalidatedAt time.Time, reason string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE ballot_tokens
SET status = 'invalidated',
    invalidated_at = $2,
    offline_data = offline_data || jsonb_build_object('invalidation_reason', $3::text)
WHERE id = $1 AND status = 'issued'
`, tokenID, invalidatedAt.UTC(), reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.transitionFailure(ctx, tokenID)
	}
	return nil
}

// transitionFailure distinguishes a missing token from a token that already
// left the issued state.
func (s *Store) transitionFailure(ctx context.Context, tokenID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM ballot_tokens WHERE id = $1`, tokenID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrTokenMissing
	}
	if err != nil {
		return err
	}
	return storage.ErrInvalidTransition
}

func (s *Store) TokenStats(ctx context.Context) (token.Stats, error) {
	stats := token.Stats{ByStatus: map[string]int{}, ByElection: map[string]int{}}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM ballot_tokens GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	electionRows, err := s.pool.Query(ctx, `SELECT election_id, COUNT(*) FROM ballot_tokens GROUP BY election_id`)
	if err != nil {
		return stats, err
	}
	defer electionRows.Close()
	for electionRows.Next() {
		var electionID string
		var count int
		if err := electionRows.Scan(&electionID, &count); err != nil {
			return stats, err
		}
		stats.ByElection[electionID] = count
	}
	return stats, electionRows.Err()
}

func (s *Store) CountTokens(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ballot_tokens`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (token.BallotToken, bool, error) {
	var t token.BallotToken
	var status string
	var usedAt, invalidatedAt *time.Time
	var offline []byte
	err := row.Scan(
		&t.ID,
		&t.TokenUUID,
		&t.SignatureHex,
		&t.VoterID,
		&t.ElectionID,
		&status,
		&t.IssuedAt,
		&t.ExpiresAt,
		&usedAt,
		&invalidatedAt,
		&t.IssuedIP,
		&t.IssuedUserAgent,
		&offline,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	t.Status = token.Status(status)
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if usedAt != nil {
		u := usedAt.UTC()
		t.UsedAt = &u
	}
	if invalidatedAt != nil {
		i := invalidatedAt.UTC()
		t.InvalidatedAt = &i
	}
	if len(offline) > 0 {
		if err := json.Unmarshal(offline, &t.OfflineData); err != nil {
			return t, false, fmt.Errorf("decode offline data: %w", err)
		}
	}
	return t, true, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, "("+strings.ToLower(field)+")")
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ballotworks/ballot-tokens/internal/token"
)

func (s *Store) AppendUsage(ctx context.Context, entry token.UsageLogEntry) error {
	metadata, err := json.Marshal(orEmpty(entry.Metadata))
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO usage_log (ballot_token_id, action, ip_address, user_agent, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`, entry.BallotTokenID, entry.Action, entry.IPAddress, entry.UserAgent, metadata, ts.UTC())
	return err
}

func (s *Store) ListUsageByToken(ctx context.Context, tokenID string) ([]token.UsageLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, ballot_token_id, action, ip_address, user_agent, metadata, created_at
FROM usage_log
WHERE ballot_token_id = $1
ORDER BY created_at ASC, id ASC
`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]token.UsageLogEntry, 0)
	for rows.Next() {
		var entry token.UsageLogEntry
		var metadata []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.BallotTokenID,
			&entry.Action,
			&entry.IPAddress,
			&entry.UserAgent,
			&metadata,
			&entry.Timestamp,
		); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode usage metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

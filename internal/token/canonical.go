package token

import (
	"encoding/json"
	"errors"
	"time"
)

// SignaturePayload is the canonical byte serialization signed at issuance
// and verified on every validation. It marshals a map so keys are emitted
// sorted; the output must be byte-identical for the same token regardless
// of which process or point in time produced it.
func SignaturePayload(t BallotToken) ([]byte, error) {
	if t.TokenUUID == "" {
		return nil, errors.New("token uuid is required")
	}
	if t.IssuedAt.IsZero() || t.ExpiresAt.IsZero() {
		return nil, errors.New("token timestamps are required")
	}
	return json.Marshal(map[string]string{
		"election_id": t.ElectionID,
		"expires_at":  t.ExpiresAt.UTC().Format(time.RFC3339),
		"issued_at":   t.IssuedAt.UTC().Format(time.RFC3339),
		"token_uuid":  t.TokenUUID,
		"voter_id":    t.VoterID,
	})
}

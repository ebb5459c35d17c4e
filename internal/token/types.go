package token

import "time"

// Status is the lifecycle state of a ballot token. Issued is the only
// non-terminal state; Used, Expired and Invalidated are terminal.
type Status string

const (
	StatusIssued      Status = "issued"
	StatusUsed        Status = "used"
	StatusExpired     Status = "expired"
	StatusInvalidated Status = "invalidated"
)

// Usage log action tags. The log is append-only; these values end up in
// storage and must stay stable.
const (
	ActionIssued            = "issued"
	ActionValidated         = "validated"
	ActionUsed              = "used"
	ActionInvalidated       = "invalidated"
	ActionOfflineSubmission = "offline_submission"
)

// BallotToken is a signed, single-use credential authorizing one vote in
// one election.
type BallotToken struct {
	ID              string            `json:"id"`
	TokenUUID       string            `json:"token_uuid"`
	SignatureHex    string            `json:"signature"`
	VoterID         string            `json:"voter_id"`
	ElectionID      string            `json:"election_id"`
	Status          Status            `json:"status"`
	IssuedAt        time.Time         `json:"issued_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	UsedAt          *time.Time        `json:"used_at,omitempty"`
	InvalidatedAt   *time.Time        `json:"invalidated_at,omitempty"`
	IssuedIP        string            `json:"issued_ip,omitempty"`
	IssuedUserAgent string            `json:"issued_user_agent,omitempty"`
	OfflineData     map[string]string `json:"offline_data,omitempty"`
}

// OfflineQueueEntry holds vote ciphertext tied to a token. This subsystem
// never decrypts EncryptedData. Entries are part of the audit trail and are
// never deleted, even after the token reaches a terminal state.
type OfflineQueueEntry struct {
	ID            int64      `json:"id"`
	BallotTokenID string     `json:"ballot_token_id"`
	EncryptedData string     `json:"encrypted_data"`
	IsSynced      bool       `json:"is_synced"`
	SyncAttempts  int        `json:"sync_attempts"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// UsageLogEntry records one token operation. Append-only.
type UsageLogEntry struct {
	ID            int64             `json:"id"`
	BallotTokenID string            `json:"ballot_token_id"`
	Action        string            `json:"action"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Stats is the read-only aggregate returned by the stats endpoint.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByElection map[string]int `json:"by_election"`
}

type RequestTokenRequest struct {
	VoterID    string `json:"voter_id"`
	ElectionID string `json:"election_id"`
	ClientIP   string `json:"-"`
	UserAgent  string `json:"-"`
}

type RequestTokenResponse struct {
	Status string      `json:"status"`
	Token  BallotToken `json:"token"`
}

type ValidateTokenRequest struct {
	TokenUUID    string `json:"token_uuid"`
	SignatureHex string `json:"signature"`
	// ElectionID is optional; when set the token must belong to it.
	ElectionID string `json:"election_id,omitempty"`
	ClientIP   string `json:"-"`
	UserAgent  string `json:"-"`
}

type ValidateTokenResponse struct {
	Valid bool         `json:"valid"`
	Token *BallotToken `json:"token,omitempty"`
}

type SubmitOfflineRequest struct {
	TokenUUID           string    `json:"token_uuid"`
	EncryptedVoteData   string    `json:"encrypted_vote_data"`
	SignatureHex        string    `json:"signature"`
	SubmissionTimestamp time.Time `json:"submission_timestamp"`
	ClientIP            string    `json:"-"`
	UserAgent           string    `json:"-"`
}

type SubmitOfflineResponse struct {
	Status       string `json:"status"`
	QueueEntryID int64  `json:"queue_entry_id"`
}

type InvalidateTokenRequest struct {
	TokenUUID string `json:"token_uuid"`
	Reason    string `json:"reason"`
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

type InvalidateTokenResponse struct {
	Status string      `json:"status"`
	Token  BallotToken `json:"token"`
}

type TokenHistoryResponse struct {
	TokenUUID string          `json:"token_uuid"`
	Entries   []UsageLogEntry `json:"entries"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	Backend     string `json:"backend"`
	TokenCount  int    `json:"token_count"`
	SignerKeyID string `json:"signer_key_id"`
}

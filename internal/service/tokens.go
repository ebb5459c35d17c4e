package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	ballotcrypto "github.com/ballotworks/ballot-tokens/internal/crypto"
	"github.com/ballotworks/ballot-tokens/internal/directory"
	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

// StatsCache fronts the stats aggregate with a short-lived cache. Optional.
type StatsCache interface {
	GetStats(ctx context.Context) (token.Stats, bool, error)
	SetStats(ctx context.Context, stats token.Stats) error
}

// TokenService orchestrates the ballot token lifecycle: issuance,
// validation, offline reconciliation, administrative invalidation and
// aggregates. All mutable state lives in the store.
type TokenService struct {
	store      storage.Store
	signer     *ballotcrypto.Signer
	voters     directory.VoterDirectory
	elections  directory.ElectionDirectory
	audit      AuditSink
	statsCache StatsCache
	logger     *slog.Logger
	tokenTTL   time.Duration
	service    string
	version    string
	backend    string
}

type Params struct {
	Store       storage.Store
	Signer      *ballotcrypto.Signer
	Voters      directory.VoterDirectory
	Elections   directory.ElectionDirectory
	Audit       AuditSink
	StatsCache  StatsCache
	Logger      *slog.Logger
	TokenTTL    time.Duration
	ServiceName string
	Version     string
	Backend     string
}

func New(params Params) (*TokenService, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if params.Voters == nil {
		return nil, errors.New("voter directory is required")
	}
	if params.Elections == nil {
		return nil, errors.New("election directory is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.TokenTTL <= 0 {
		params.TokenTTL = 24 * time.Hour
	}
	if params.ServiceName == "" {
		params.ServiceName = "ballot-token-service"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	if params.Backend == "" {
		params.Backend = "memory"
	}
	return &TokenService{
		store:      params.Store,
		signer:     params.Signer,
		voters:     params.Voters,
		elections:  params.Elections,
		audit:      params.Audit,
		statsCache: params.StatsCache,
		logger:     params.Logger,
		tokenTTL:   params.TokenTTL,
		service:    params.ServiceName,
		version:    params.Version,
		backend:    params.Backend,
	}, nil
}

// RequestToken issues a signed single-use token for one voter in one
// election. The store resolves concurrent requests for the same pair to
// exactly one winner.
func (s *TokenService) RequestToken(ctx context.Context, req token.RequestTokenRequest) (token.RequestTokenResponse, error) {
	now := time.Now().UTC()

	voter, found, err := s.voters.GetVoter(ctx, req.VoterID)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("look up voter", err)
	}
	if !found || !directory.IsEligibleToVote(voter) {
		return token.RequestTokenResponse{}, notEligible()
	}

	election, found, err := s.elections.GetElection(ctx, req.ElectionID)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("look up election", err)
	}
	if !found || !election.CanVote(now) {
		return token.RequestTokenResponse{}, electionNotVotable()
	}

	existing, found, err := s.store.FindIssuedToken(ctx, req.VoterID, req.ElectionID)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("look up existing token", err)
	}
	if found {
		if !existing.IsExpired(now) {
			return token.RequestTokenResponse{}, alreadyIssued()
		}
		// Stale live token: persist the observed expiry before reissuing.
		// Losing this cleanup race is fine; the create below re-checks.
		if err := s.store.MarkTokenExpired(ctx, existing.ID); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return token.RequestTokenResponse{}, Internal("expire stale token", err)
		}
	}

	tok, err := token.New(req.VoterID, req.ElectionID, now, s.tokenTTL, election.VotingEnd, req.ClientIP, req.UserAgent)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("build token", err)
	}
	payload, err := token.SignaturePayload(tok)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("encode signature payload", err)
	}
	tok.SignatureHex, err = s.signer.Sign(payload)
	if err != nil {
		return token.RequestTokenResponse{}, Internal("sign token", err)
	}

	if err := s.store.CreateToken(ctx, tok); err != nil {
		switch {
		case errors.Is(err, storage.ErrLiveTokenExists):
			return token.RequestTokenResponse{}, issuanceConflict(err)
		case errors.Is(err, storage.ErrTokenUUIDExists):
			return token.RequestTokenResponse{}, Internal("token uuid collision", err)
		default:
			return token.RequestTokenResponse{}, Internal("persist token", err)
		}
	}

	s.recordUsage(ctx, tok, token.ActionIssued, req.ClientIP, req.UserAgent, map[string]string{
		"election_id": tok.ElectionID,
		"expires_at":  tok.ExpiresAt.Format(time.RFC3339),
	})
	return token.RequestTokenResponse{Status: "token_issued", Token: tok}, nil
}

// Validate checks a presented token without consuming it. The invalidity
// reason returned is the most specific one available.
func (s *TokenService) Validate(ctx context.Context, req token.ValidateTokenRequest) (token.ValidateTokenResponse, error) {
	tok, err := s.checkPresented(ctx, req.TokenUUID, req.SignatureHex, req.ElectionID)
	if err != nil {
		return token.ValidateTokenResponse{}, err
	}
	s.recordUsage(ctx, tok, token.ActionValidated, req.ClientIP, req.UserAgent, nil)
	return token.ValidateTokenResponse{Valid: true, Token: &tok}, nil
}

// SubmitOffline reconciles a vote that was cast while disconnected. The
// claimed submission timestamp must fall inside both the token's validity
// interval and the election's voting window, so a ballot replayed later is
// still rejected if it was cast outside the window it claims.
func (s *TokenService) SubmitOffline(ctx context.Context, req token.SubmitOfflineRequest) (token.SubmitOfflineResponse, error) {
	if req.EncryptedVoteData == "" {
		return token.SubmitOfflineResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "encrypted_vote_data is required", false, nil)
	}
	if req.SubmissionTimestamp.IsZero() {
		return token.SubmitOfflineResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "submission_timestamp is required", false, nil)
	}

	tok, err := s.checkPresented(ctx, req.TokenUUID, req.SignatureHex, "")
	if err != nil {
		return token.SubmitOfflineResponse{}, err
	}

	submitted := req.SubmissionTimestamp.UTC()
	if submitted.Before(tok.IssuedAt) || submitted.After(tok.ExpiresAt) {
		return token.SubmitOfflineResponse{}, outsideWindow("submission timestamp is outside the token validity window")
	}
	election, found, err := s.elections.GetElection(ctx, tok.ElectionID)
	if err != nil {
		return token.SubmitOfflineResponse{}, Internal("look up election", err)
	}
	if !found {
		return token.SubmitOfflineResponse{}, electionNotVotable()
	}
	if submitted.Before(election.VotingStart) || submitted.After(election.VotingEnd) {
		return token.SubmitOfflineResponse{}, outsideWindow("submission timestamp is outside the election voting window")
	}

	entry, err := s.store.FinalizeOfflineSubmission(ctx, storage.OfflineSubmissionInput{
		TokenID:       tok.ID,
		EncryptedData: req.EncryptedVoteData,
		SubmittedAt:   submitted,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenMissing):
			return token.SubmitOfflineResponse{}, invalidToken()
		case errors.Is(err, storage.ErrInvalidTransition):
			return token.SubmitOfflineResponse{}, tokenAlreadyUsed()
		default:
			return token.SubmitOfflineResponse{}, Internal("finalize offline submission", err)
		}
	}

	s.recordUsage(ctx, tok, token.ActionOfflineSubmission, req.ClientIP, req.UserAgent, map[string]string{
		"queue_entry_id": strconv.FormatInt(entry.ID, 10),
	})
	return token.SubmitOfflineResponse{Status: "offline_ballot_recorded", QueueEntryID: entry.ID}, nil
}

// Invalidate is the administrative revocation path. Only issued tokens can
// be invalidated.
func (s *TokenService) Invalidate(ctx context.Context, req token.InvalidateTokenRequest) (token.InvalidateTokenResponse, error) {
	tok, found, err := s.store.GetTokenByUUID(ctx, req.TokenUUID)
	if err != nil {
		return token.InvalidateTokenResponse{}, Internal("look up token", err)
	}
	if !found {
		return token.InvalidateTokenResponse{}, invalidToken()
	}
	if appErr := statusFailure(tok); appErr != nil {
		return token.InvalidateTokenResponse{}, appErr
	}

	now := time.Now().UTC()
	if err := s.store.InvalidateToken(ctx, tok.ID, now, req.Reason); err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenMissing):
			return token.InvalidateTokenResponse{}, invalidToken()
		case errors.Is(err, storage.ErrInvalidTransition):
			return token.InvalidateTokenResponse{}, s.refreshStatusFailure(ctx, req.TokenUUID)
		default:
			return token.InvalidateTokenResponse{}, Internal("invalidate token", err)
		}
	}

	updated, _, err := s.store.GetTokenByUUID(ctx, req.TokenUUID)
	if err != nil {
		return token.InvalidateTokenResponse{}, Internal("reload token", err)
	}
	s.recordUsage(ctx, updated, token.ActionInvalidated, req.ClientIP, req.UserAgent, map[string]string{
		"reason": req.Reason,
	})
	return token.InvalidateTokenResponse{Status: "token_invalidated", Token: updated}, nil
}

// Stats returns token counts by status and by election. Read-only.
func (s *TokenService) Stats(ctx context.Context) (token.Stats, error) {
	if s.statsCache != nil {
		if cached, ok, err := s.statsCache.GetStats(ctx); err != nil {
			s.logger.Warn("stats cache read failed", slog.String("error", err.Error()))
		} else if ok {
			return cached, nil
		}
	}
	stats, err := s.store.TokenStats(ctx)
	if err != nil {
		return token.Stats{}, Internal("aggregate token stats", err)
	}
	if s.statsCache != nil {
		if err := s.statsCache.SetStats(ctx, stats); err != nil {
			s.logger.Warn("stats cache write failed", slog.String("error", err.Error()))
		}
	}
	return stats, nil
}

// History returns the append-only usage trail for a token.
func (s *TokenService) History(ctx context.Context, tokenUUID string) (token.TokenHistoryResponse, error) {
	tok, found, err := s.store.GetTokenByUUID(ctx, tokenUUID)
	if err != nil {
		return token.TokenHistoryResponse{}, Internal("look up token", err)
	}
	if !found {
		return token.TokenHistoryResponse{}, invalidToken()
	}
	entries, err := s.store.ListUsageByToken(ctx, tok.ID)
	if err != nil {
		return token.TokenHistoryResponse{}, Internal("list usage log", err)
	}
	return token.TokenHistoryResponse{TokenUUID: tokenUUID, Entries: entries}, nil
}

func (s *TokenService) Health(ctx context.Context) (token.HealthResponse, error) {
	count, err := s.store.CountTokens(ctx)
	if err != nil {
		return token.HealthResponse{}, Internal("count tokens", err)
	}
	return token.HealthResponse{
		Service:     s.service,
		Version:     s.version,
		Backend:     s.backend,
		TokenCount:  count,
		SignerKeyID: s.signer.KeyID,
	}, nil
}

// checkPresented runs the shared lookup/signature/state checks for a token
// presented by a client. It never mutates token state.
func (s *TokenService) checkPresented(ctx context.Context, tokenUUID, signatureHex, electionID string) (token.BallotToken, error) {
	tok, found, err := s.store.GetTokenByUUID(ctx, tokenUUID)
	if err != nil {
		return token.BallotToken{}, Internal("look up token", err)
	}
	if !found {
		return token.BallotToken{}, invalidToken()
	}

	payload, err := token.SignaturePayload(tok)
	if err != nil {
		// A stored token that cannot be canonicalized is treated as an
		// integrity failure, not a server crash.
		s.logger.Warn("stored token payload malformed",
			slog.String("token_id", tok.ID),
			slog.String("error", err.Error()),
		)
		return token.BallotToken{}, invalidSignature()
	}
	if !ballotcrypto.Verify(s.signer.Public, payload, signatureHex) {
		return token.BallotToken{}, invalidSignature()
	}
	if electionID != "" && electionID != tok.ElectionID {
		return token.BallotToken{}, wrongElection()
	}

	if appErr := statusFailure(tok); appErr != nil {
		return token.BallotToken{}, appErr
	}
	now := time.Now().UTC()
	if tok.IsExpired(now) {
		return token.BallotToken{}, tokenExpired()
	}

	election, found, err := s.elections.GetElection(ctx, tok.ElectionID)
	if err != nil {
		return token.BallotToken{}, Internal("look up election", err)
	}
	if !found || !election.CanVote(now) {
		return token.BallotToken{}, electionNotVotable()
	}
	if !tok.IsValid(now, true) {
		return token.BallotToken{}, tokenNotValid()
	}
	return tok, nil
}

// statusFailure maps a terminal stored status to its specific error.
func statusFailure(tok token.BallotToken) *AppError {
	switch tok.Status {
	case token.StatusUsed:
		return tokenAlreadyUsed()
	case token.StatusExpired:
		return tokenExpired()
	case token.StatusInvalidated:
		return tokenInvalidated()
	default:
		return nil
	}
}

func (s *TokenService) refreshStatusFailure(ctx context.Context, tokenUUID string) error {
	tok, found, err := s.store.GetTokenByUUID(ctx, tokenUUID)
	if err != nil {
		return Internal("reload token", err)
	}
	if !found {
		return invalidToken()
	}
	if appErr := statusFailure(tok); appErr != nil {
		return appErr
	}
	return tokenNotValid()
}

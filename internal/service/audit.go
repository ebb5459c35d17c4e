package service

import (
	"context"
	"log/slog"

	"github.com/ballotworks/ballot-tokens/internal/token"
)

// AuditSink is the external audit collaborator. Calls are fire-and-forget:
// a token operation's success is independent of whether its audit entry was
// recorded.
type AuditSink interface {
	LogAction(ctx context.Context, actionType, description, actor, outcome string, metadata map[string]string) error
}

// SlogAuditSink writes audit actions to the structured log. Used when no
// external sink is wired in.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s *SlogAuditSink) LogAction(_ context.Context, actionType, description, actor, outcome string, metadata map[string]string) error {
	s.Logger.Info("audit_action",
		slog.String("action_type", actionType),
		slog.String("description", description),
		slog.String("actor", actor),
		slog.String("outcome", outcome),
		slog.Any("metadata", metadata),
	)
	return nil
}

// recordUsage appends to the usage log and notifies the audit sink.
// Failures are logged at warn and swallowed.
func (s *TokenService) recordUsage(ctx context.Context, t token.BallotToken, action, clientIP, userAgent string, metadata map[string]string) {
	entry := token.UsageLogEntry{
		BallotTokenID: t.ID,
		Action:        action,
		IPAddress:     clientIP,
		UserAgent:     userAgent,
		Metadata:      metadata,
	}
	if err := s.store.AppendUsage(ctx, entry); err != nil {
		s.logger.Warn("usage log append failed",
			slog.String("action", action),
			slog.String("token_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAction(ctx, action, "ballot token "+action, t.VoterID, "success", metadata); err != nil {
		s.logger.Warn("audit sink failed",
			slog.String("action", action),
			slog.String("token_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

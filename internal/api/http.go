// Package api exposes the token lifecycle over HTTP. Handlers decode,
// delegate to the service, and map typed errors to JSON responses; no
// business rules live here.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ballotworks/ballot-tokens/internal/logging"
	"github.com/ballotworks/ballot-tokens/internal/service"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

type Handler struct {
	service    *service.TokenService
	logger     *slog.Logger
	adminToken string
}

func NewHandler(svc *service.TokenService, logger *slog.Logger, adminToken string) *Handler {
	return &Handler{service: svc, logger: logger, adminToken: adminToken}
}

// Router wires the public token routes plus the admin routes, which sit
// behind bearer auth on their own.
func (h *Handler) Router() http.Handler {
	admin := BearerAuthMiddleware(h.adminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/tokens/request", h.handleRequestToken)
	mux.HandleFunc("POST /v1/tokens/validate", h.handleValidateToken)
	mux.HandleFunc("POST /v1/tokens/offline-submit", h.handleSubmitOffline)
	mux.HandleFunc("GET /v1/tokens/stats", h.handleStats)
	mux.Handle("POST /v1/tokens/invalidate", admin(http.HandlerFunc(h.handleInvalidateToken)))
	mux.Handle("GET /v1/tokens/{uuid}/history", admin(http.HandlerFunc(h.handleHistory)))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "token_count", resp.TokenCount)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	var req token.RequestTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
	resp, err := h.service.RequestToken(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "request_token")
	logging.AddField(r.Context(), "token_uuid", resp.Token.TokenUUID)
	logging.AddField(r.Context(), "election_id", resp.Token.ElectionID)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req token.ValidateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
	resp, err := h.service.Validate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "validate_token")
	logging.AddField(r.Context(), "token_uuid", req.TokenUUID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmitOffline(w http.ResponseWriter, r *http.Request) {
	var req token.SubmitOfflineRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
	resp, err := h.service.SubmitOffline(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "offline_submit")
	logging.AddField(r.Context(), "token_uuid", req.TokenUUID)
	logging.AddField(r.Context(), "queue_entry_id", resp.QueueEntryID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInvalidateToken(w http.ResponseWriter, r *http.Request) {
	var req token.InvalidateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
	resp, err := h.service.Invalidate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "invalidate_token")
	logging.AddField(r.Context(), "token_uuid", req.TokenUUID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "token_stats")
	logging.AddField(r.Context(), "total", resp.Total)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	tokenUUID := r.PathValue("uuid")
	resp, err := h.service.History(r.Context(), tokenUUID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "token_history")
	logging.AddField(r.Context(), "token_uuid", tokenUUID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, token.ErrorResponse{Error: token.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, token.ErrorResponse{Error: token.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop when a proxy sits in
// front, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func BearerAuthMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := strings.TrimSpace(r.Header.Get("Authorization"))
			parts := strings.SplitN(hdr, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeJSON(w, http.StatusUnauthorized, token.ErrorResponse{Error: token.ErrorBody{
					Code:      "UNAUTHORIZED",
					Message:   "missing bearer token",
					Retryable: false,
				}})
				return
			}
			given := strings.TrimSpace(parts[1])
			if subtle.ConstantTimeCompare([]byte(given), []byte(adminToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, token.ErrorResponse{Error: token.ErrorBody{
					Code:      "UNAUTHORIZED",
					Message:   "invalid bearer token",
					Retryable: false,
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IPAllowListMiddleware(cidrs []string) (func(http.Handler) http.Handler, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, netw, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, netw)
	}
	if len(nets) == 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	deny := func(w http.ResponseWriter) {
		writeJSON(w, http.StatusForbidden, token.ErrorResponse{Error: token.ErrorBody{
			Code:      "FORBIDDEN",
			Message:   "source ip not allowed",
			Retryable: false,
		}})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The allow list keys on the socket peer, never on forwarded
			// headers a client could spoof.
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil {
				deny(w)
				return
			}
			for _, n := range nets {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w)
		})
	}, nil
}

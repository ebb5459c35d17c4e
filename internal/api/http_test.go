package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ballotcrypto "github.com/ballotworks/ballot-tokens/internal/crypto"
	"github.com/ballotworks/ballot-tokens/internal/directory"
	"github.com/ballotworks/ballot-tokens/internal/service"
	"github.com/ballotworks/ballot-tokens/internal/storage/memory"
	"github.com/ballotworks/ballot-tokens/internal/token"
)

const testAdminToken = "admin-secret"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now().UTC()
	dir := &directory.Static{
		Voters: map[string]directory.Voter{
			"voter-1": {ID: "voter-1", Role: "voter", IsActive: true},
		},
		Elections: map[string]directory.Election{
			"election-1": {
				ID:          "election-1",
				Status:      "active",
				VotingStart: now.Add(-time.Hour),
				VotingEnd:   now.Add(48 * time.Hour),
			},
		},
	}
	svc, err := service.New(service.Params{
		Store:     memory.New(),
		Signer:    &ballotcrypto.Signer{Private: key, Public: &key.PublicKey, KeyID: "rsa:test"},
		Voters:    dir,
		Elections: dir,
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return NewHandler(svc, slog.New(slog.DiscardHandler), testAdminToken).Router()
}

func doJSON(t *testing.T, router http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:54321"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestValidateSubmitOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens/request",
		`{"voter_id":"voter-1","election_id":"election-1"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d, body %s", rec.Code, rec.Body.String())
	}
	var issued token.RequestTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	if issued.Token.TokenUUID == "" || issued.Token.SignatureHex == "" {
		t.Fatalf("issued token = %+v", issued.Token)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/validate",
		`{"token_uuid":"`+issued.Token.TokenUUID+`","signature":"`+issued.Token.SignatureHex+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d, body %s", rec.Code, rec.Body.String())
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/offline-submit",
		`{"token_uuid":"`+issued.Token.TokenUUID+`","signature":"`+issued.Token.SignatureHex+
			`","encrypted_vote_data":"ciphertext","submission_timestamp":"`+ts+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A second submission maps to the already-used error body.
	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/offline-submit",
		`{"token_uuid":"`+issued.Token.TokenUUID+`","signature":"`+issued.Token.SignatureHex+
			`","encrypted_vote_data":"ciphertext","submission_timestamp":"`+ts+`"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, body %s", rec.Code, rec.Body.String())
	}
	var errResp token.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != service.CodeAlreadyUsed {
		t.Fatalf("error code = %q, want %q", errResp.Error.Code, service.CodeAlreadyUsed)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens/request",
		`{"voter_id":"voter-1","election_id":"election-1","bogus":true}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens/request",
		`{"voter_id":"voter-1","election_id":"election-1"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d", rec.Code)
	}
	var issued token.RequestTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}

	body := `{"token_uuid":"` + issued.Token.TokenUUID + `","reason":"test"}`
	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/invalidate", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/invalidate", body, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/tokens/invalidate", body, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin invalidate status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tokens/"+issued.Token.TokenUUID+"/history", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("history without auth: status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/v1/tokens/"+issued.Token.TokenUUID+"/history", "", testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", rec.Code, rec.Body.String())
	}
	var history token.TokenHistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Entries) == 0 {
		t.Fatal("history is empty")
	}
}

func TestUnknownTokenMapsToNotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens/validate",
		`{"token_uuid":"no-such","signature":"deadbeef"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestIPAllowListMiddleware(t *testing.T) {
	mw, err := IPAllowListMiddleware([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("build middleware: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed ip status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	rec = httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked ip status = %d", rec.Code)
	}

	if _, err := IPAllowListMiddleware([]string{"bogus"}); err == nil {
		t.Fatal("invalid cidr must fail")
	}
}

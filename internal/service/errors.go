package service

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the typed error every precondition failure maps to, so the
// API layer can turn each case into a deterministic user-visible message.
type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

// Error codes for the token lifecycle. Eligibility and validation failures
// are never retryable; only a lost issuance race may be retried via the
// lookup path.
const (
	CodeNotEligible        = "NOT_ELIGIBLE"
	CodeElectionNotVotable = "ELECTION_NOT_VOTABLE"
	CodeAlreadyIssued      = "TOKEN_ALREADY_ISSUED"
	CodeConflict           = "TOKEN_CONFLICT"
	CodeInvalidToken       = "TOKEN_INVALID"
	CodeInvalidSignature   = "TOKEN_SIGNATURE_INVALID"
	CodeWrongElection      = "TOKEN_WRONG_ELECTION"
	CodeExpired            = "TOKEN_EXPIRED"
	CodeAlreadyUsed        = "TOKEN_ALREADY_USED"
	CodeInvalidated        = "TOKEN_INVALIDATED"
	CodeNotValid           = "TOKEN_NOT_VALID"
	CodeOutsideWindow      = "SUBMISSION_OUTSIDE_WINDOW"
)

func notEligible() *AppError {
	return NewAppError(http.StatusForbidden, CodeNotEligible, "voter is not eligible to vote", false, nil)
}

func electionNotVotable() *AppError {
	return NewAppError(http.StatusConflict, CodeElectionNotVotable, "election is not accepting votes", false, nil)
}

func alreadyIssued() *AppError {
	return NewAppError(http.StatusConflict, CodeAlreadyIssued, "a valid token already exists for this voter and election", false, nil)
}

func issuanceConflict(cause error) *AppError {
	return NewAppError(http.StatusConflict, CodeConflict, "a concurrent request already issued a token for this voter and election", false, cause)
}

func invalidToken() *AppError {
	return NewAppError(http.StatusNotFound, CodeInvalidToken, "token not found", false, nil)
}

func invalidSignature() *AppError {
	return NewAppError(http.StatusBadRequest, CodeInvalidSignature, "token signature is invalid", false, nil)
}

func wrongElection() *AppError {
	return NewAppError(http.StatusBadRequest, CodeWrongElection, "token does not belong to this election", false, nil)
}

func tokenExpired() *AppError {
	return NewAppError(http.StatusConflict, CodeExpired, "token has expired", false, nil)
}

func tokenAlreadyUsed() *AppError {
	return NewAppError(http.StatusConflict, CodeAlreadyUsed, "token has already been used", false, nil)
}

func tokenInvalidated() *AppError {
	return NewAppError(http.StatusConflict, CodeInvalidated, "token has been invalidated", false, nil)
}

func tokenNotValid() *AppError {
	return NewAppError(http.StatusConflict, CodeNotValid, "token is not valid", false, nil)
}

func outsideWindow(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeOutsideWindow, msg, false, nil)
}

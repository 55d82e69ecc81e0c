package errclass

import (
	"errors"
	"fmt"
	"net/http"
)

// CustodyError is a stable, machine-readable error class.
type CustodyError struct {
	Code    string
	Message string
}

func (e *CustodyError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CustodyError) Is(target error) bool {
	t, ok := target.(*CustodyError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new CustodyError with the same Code but a specific message.
func (e *CustodyError) WithMessage(msg string) *CustodyError {
	return &CustodyError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new CustodyError with a formatted message.
func (e *CustodyError) WithMessagef(format string, args ...any) *CustodyError {
	return &CustodyError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidTransition         = &CustodyError{Code: "E_INVALID_TRANSITION"}
	ErrDuplicateActiveTransition = &CustodyError{Code: "E_DUPLICATE_ACTIVE_TRANSITION"}
	ErrStaleVersion              = &CustodyError{Code: "E_STALE_VERSION"}
	ErrRateLimitExceeded         = &CustodyError{Code: "E_RATE_LIMIT_EXCEEDED"}
	ErrCustodyLocked             = &CustodyError{Code: "E_CUSTODY_LOCKED"}
	ErrSubThresholdAssertion     = &CustodyError{Code: "E_SUB_THRESHOLD_ASSERTION"}
	ErrUnknownArtifact           = &CustodyError{Code: "E_UNKNOWN_ARTIFACT"}
	ErrInvalidArtifact           = &CustodyError{Code: "E_INVALID_ARTIFACT"}
	ErrInvalidLevel              = &CustodyError{Code: "E_INVALID_LEVEL"}

	ErrUnknownItem       = &CustodyError{Code: "E_UNKNOWN_ITEM"}
	ErrUnknownTransition = &CustodyError{Code: "E_UNKNOWN_TRANSITION"}
	ErrUnknownPacket     = &CustodyError{Code: "E_UNKNOWN_PACKET"}
	ErrItemExists        = &CustodyError{Code: "E_ITEM_EXISTS"}
	ErrPacketExists      = &CustodyError{Code: "E_PACKET_EXISTS"}
	ErrArtifactExists    = &CustodyError{Code: "E_ARTIFACT_EXISTS"}
	ErrRuleConflict      = &CustodyError{Code: "E_RULE_CONFLICT"}
	ErrStoreUnavailable  = &CustodyError{Code: "E_STORE_UNAVAILABLE"}
	ErrNameInvalid       = &CustodyError{Code: "E_NAME_INVALID"}
	ErrAuditChainBroken  = &CustodyError{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// Code extracts the stable code from err, or "" if err carries none.
func Code(err error) string {
	var ce *CustodyError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

var statusByCode = map[string]int{
	ErrInvalidTransition.Code:         http.StatusConflict,
	ErrDuplicateActiveTransition.Code: http.StatusConflict,
	ErrStaleVersion.Code:              http.StatusConflict,
	ErrItemExists.Code:                http.StatusConflict,
	ErrPacketExists.Code:              http.StatusConflict,
	ErrArtifactExists.Code:            http.StatusConflict,
	ErrRateLimitExceeded.Code:         http.StatusTooManyRequests,
	ErrCustodyLocked.Code:             http.StatusLocked,
	ErrSubThresholdAssertion.Code:     http.StatusUnprocessableEntity,
	ErrRuleConflict.Code:              http.StatusUnprocessableEntity,
	ErrUnknownArtifact.Code:           http.StatusNotFound,
	ErrUnknownItem.Code:               http.StatusNotFound,
	ErrUnknownTransition.Code:         http.StatusNotFound,
	ErrUnknownPacket.Code:             http.StatusNotFound,
	ErrNameInvalid.Code:               http.StatusBadRequest,
	ErrInvalidArtifact.Code:           http.StatusBadRequest,
	ErrInvalidLevel.Code:              http.StatusBadRequest,
	ErrStoreUnavailable.Code:          http.StatusServiceUnavailable,
	ErrAuditChainBroken.Code:          http.StatusInternalServerError,
}

// HTTPStatus maps an error to the status the API reports for it.
func HTTPStatus(err error) int {
	if s, ok := statusByCode[Code(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

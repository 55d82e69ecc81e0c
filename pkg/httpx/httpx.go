// Package httpx holds the JSON request and response helpers shared by the
// HTTP API.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/diamondops/custody/pkg/errclass"
)

// MaxBodyBytes caps request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a single JSON object from the body into dst. Unknown
// fields are an error.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteErr writes err with the status and code its error class maps to.
// Errors without a class are reported as INTERNAL.
func WriteErr(w http.ResponseWriter, err error) {
	var ce *errclass.CustodyError
	if !errors.As(err, &ce) {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	msg := ce.Message
	if msg == "" {
		msg = ce.Code
	}
	WriteError(w, errclass.HTTPStatus(err), ce.Code, msg, nil)
}

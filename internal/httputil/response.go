package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	svcerrors "github.com/git-hunters/githunters/internal/errors"
)

// MaxRequestBody bounds JSON request bodies.
const MaxRequestBody = 1 << 20

// Envelope is the response body shape of every API endpoint.
type Envelope struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Code    svcerrors.ErrorCode    `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, Envelope{Success: true, Data: data})
}

// WriteError writes a failure envelope. ServiceErrors keep their status and
// code; anything else is rendered as a 500 without leaking the message.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal server error", err)
	}
	writeEnvelope(w, se.HTTPStatus, Envelope{
		Success: false,
		Error:   se.Message,
		Code:    se.Code,
		Details: se.Details,
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// DecodeJSON decodes a bounded JSON request body into dst. Unknown fields
// and trailing data are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return svcerrors.BadRequest("Content-Type must be application/json")
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return svcerrors.BadRequest("request body is empty")
		case errors.As(err, &maxErr):
			return svcerrors.BadRequest(fmt.Sprintf("request body exceeds %d bytes", MaxRequestBody))
		default:
			return svcerrors.BadRequest("invalid JSON body: " + err.Error())
		}
	}
	if dec.More() {
		return svcerrors.BadRequest("request body must contain a single JSON object")
	}
	return nil
}

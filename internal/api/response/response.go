// Package response writes the platform's JSON responses and its error
// envelope: {ok: false, error: <code>, detail: <human-readable>}.
package response

import (
	"encoding/json"
	"io"
	"net/http"
)

// WriteJSON writes a JSON response to the writer with HTML escaping disabled
// for readability of payloads containing URLs.
func WriteJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// WriteSuccess sends a success response with HTTP 200.
func WriteSuccess(w http.ResponseWriter, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return WriteJSON(w, data)
}

// WriteCreated sends a created response with HTTP 201.
func WriteCreated(w http.ResponseWriter, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return WriteJSON(w, data)
}

// Envelope is the platform error body.
type Envelope struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError sends the error envelope with the given status code.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = WriteJSON(w, Envelope{OK: false, Error: errorCode, Detail: detail})
}

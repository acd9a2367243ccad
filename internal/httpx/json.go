// Package httpx holds the HTTP plumbing shared by every cowboy service:
// JSON framing, the error envelope, request logging and metrics middleware,
// and the health route.
package httpx

import (
	"encoding/json"
	"net/http"
)

// WriteJSON renders v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a JSON body into v. A malformed body is the client's
// fault, so the returned error renders as a 400.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return BadRequest("invalid request body: " + err.Error())
	}
	return nil
}

// Health returns the liveness handler every service mounts at /health.
func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": service})
	}
}

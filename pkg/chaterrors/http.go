package chaterrors

import (
	"encoding/json"
	"net/http"
)

// Body is the JSON error document returned by the API.
type Body struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}

// WriteHTTP writes err as a JSON error body with the status of its kind.
func WriteHTTP(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	WriteJSON(w, HTTPStatus(kind), Body{Error: ClientMessage(err), Kind: kind})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ABOUTME: JSON response helpers shared by the gateway and its middleware
// ABOUTME: Errors are rendered from fault kinds so every layer returns the same body shape

package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/2389/dockhand/internal/fault"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse. Internal causes are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, fault.HTTPStatus(err), ErrorResponse{
		Success: false,
		Error:   fault.Message(err),
		Code:    fault.Code(err),
	})
}

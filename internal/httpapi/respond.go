package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nooterra/settld-core/internal/domainerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps any error to the stable domain-error response shape
// (spec.md §7): a *domainerr.Error carries its own HTTP status; anything
// else is folded into a 500 INTERNAL.
func writeErr(w http.ResponseWriter, err error) {
	derr, ok := domainerr.As(err)
	if !ok {
		derr = domainerr.ErrInternal.Wrap(err)
	}
	writeJSON(w, derr.HTTPStatus, map[string]any{
		"code":    derr.Code,
		"message": derr.Message,
		"details": derr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return domainerr.ErrValidation.WithDetails(map[string]any{"reason": "requestBodyNotValidJSON"})
	}
	return nil
}

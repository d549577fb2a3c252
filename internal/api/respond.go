// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps an error to its HTTP status via the error kind and
// writes a JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	WriteJSON(w, kind.HTTPStatus(), map[string]any{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

package handlers

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/apierror"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
)

// writeError maps err to its canonical envelope and status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce, status := apierror.FromError(err)
	mw.WriteError(w, r, status, ce)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	mw.WriteError(w, r, http.StatusMethodNotAllowed, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

const (
	defaultTranscriptLimit = 100
	maxTranscriptLimit     = 1000
)

// SessionsHandler serves read-only views of live and persisted sessions.
type SessionsHandler struct {
	Sessions *sessions.Manager
}

// Get serves GET /v1/sessions/{id}.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("session id is required", "id"))
		return
	}
	sess, err := h.Sessions.Lookup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Transcripts serves GET /v1/sessions/{id}/transcripts?limit=N.
func (h SessionsHandler) Transcripts(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTranscriptLimit {
			writeError(w, r, core.NewInvalidRequestErrorWithParam("limit must be between 1 and 1000", "limit"))
			return
		}
		limit = n
	}
	items, err := h.Sessions.Transcripts(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []types.Transcript{}
	}
	writeJSON(w, http.StatusOK, struct {
		SessionID   string             `json:"session_id"`
		Transcripts []types.Transcript `json:"transcripts"`
	}{SessionID: id, Transcripts: items})
}

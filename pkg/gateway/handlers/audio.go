package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

// AudioHandler serves synthesized audio by reference. Carriers fetch it
// without credentials, so references are unguessable and short-lived.
type AudioHandler struct {
	Sessions *sessions.Manager
}

func (h AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ref := strings.TrimSuffix(strings.TrimSpace(r.PathValue("ref")), ".wav")
	data, err := h.Sessions.Audio(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

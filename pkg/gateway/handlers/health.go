package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ComponentHealth reports the latest probe result per dependency: "ok" or
// the failure text.
type ComponentHealth interface {
	Components() map[string]string
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Health    ComponentHealth
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK         bool              `json:"ok"`
		Draining   bool              `json:"draining"`
		Since      *time.Time        `json:"draining_since,omitempty"`
		AuthMode   string            `json:"auth_mode"`
		Components map[string]string `json:"components,omitempty"`
		Issues     []string          `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	status := http.StatusOK

	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
		status = http.StatusInternalServerError
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
		if status == http.StatusOK {
			status = http.StatusServiceUnavailable
		}
	}

	var components map[string]string
	if h.Health != nil {
		components = h.Health.Components()
		names := make([]string, 0, len(components))
		for name := range components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if components[name] != "ok" {
				issues = append(issues, name+": "+components[name])
				if status == http.StatusOK {
					status = http.StatusServiceUnavailable
				}
			}
		}
	}

	var since *time.Time
	if t := h.Lifecycle.DrainingSince(); draining && !t.IsZero() {
		since = &t
	}

	writeJSON(w, status, readyResp{
		OK:         len(issues) == 0,
		Draining:   draining,
		Since:      since,
		AuthMode:   string(h.Config.AuthMode),
		Components: components,
		Issues:     issues,
	})
}

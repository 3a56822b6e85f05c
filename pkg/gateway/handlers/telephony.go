package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
)

const maxWebhookBytes = 64 << 10

// TelephonyHandler receives carrier webhooks. Requests are authenticated by
// the carrier signature rather than an API key.
type TelephonyHandler struct {
	Config   config.Config
	Sessions *sessions.Manager
	Logger   *slog.Logger
}

func (h TelephonyHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Status serves POST /v1/telephony/status.
func (h TelephonyHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.readForm(w, r) {
		return
	}
	u, err := telephony.ParseTwilioStatus(r.PostForm)
	if err != nil {
		writeError(w, r, core.NewInvalidRequestError(err.Error()))
		return
	}
	call, err := h.Sessions.HandleCallStatus(r.Context(), u)
	switch {
	case err == nil:
		h.logger().Debug("call status applied", "call_id", call.ID, "provider_call_id", u.ProviderCallID, "status", u.Status, "state", call.State)
		w.WriteHeader(http.StatusNoContent)
	case core.IsType(err, core.ErrNotFound):
		// Unknown calls are acknowledged so the carrier stops retrying.
		h.logger().Warn("status callback for unknown call", "provider_call_id", u.ProviderCallID, "status", u.Status)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, err)
	}
}

// Inbound serves POST /v1/telephony/inbound: an incoming call opens a
// session and is held on the line. A full gateway answers busy.
func (h TelephonyHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	if !h.readForm(w, r) {
		return
	}
	form := r.PostForm
	sess, call, err := h.Sessions.AcceptInboundCall(r.Context(),
		strings.TrimSpace(form.Get("CallSid")),
		strings.TrimSpace(form.Get("From")),
		strings.TrimSpace(form.Get("To")))
	if err != nil {
		switch core.TypeOf(err) {
		case core.ErrCapacityExceeded, core.ErrRateLimit, core.ErrOverloaded:
			h.logger().Warn("inbound call rejected", "provider_call_id", form.Get("CallSid"), "error", err)
			writeTwiML(w, telephony.RejectTwiML())
		default:
			writeError(w, r, err)
		}
		return
	}
	h.logger().Info("inbound call answered", "session_id", sess.ID, "call_id", call.ID)
	writeTwiML(w, telephony.HoldTwiML())
}

// Answer serves the TwiML fetched when an outbound call connects.
func (h TelephonyHandler) Answer(w http.ResponseWriter, r *http.Request) {
	if !h.readForm(w, r) {
		return
	}
	writeTwiML(w, telephony.HoldTwiML())
}

// readForm parses the body and checks the carrier signature when enabled.
// It writes the error response itself and reports whether to continue.
func (h TelephonyHandler) readForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, core.NewInvalidRequestError("invalid form body"))
		return false
	}
	if !h.verify(r) {
		mw.WriteError(w, r, http.StatusForbidden, &core.Error{
			Type:    core.ErrAuthentication,
			Message: "invalid carrier signature",
			Param:   "X-Twilio-Signature",
		})
		return false
	}
	return true
}

func (h TelephonyHandler) verify(r *http.Request) bool {
	if h.Config.TelephonyProvider != config.ProviderTwilio || !h.Config.TwilioValidateSignatures {
		return true
	}
	fullURL := strings.TrimRight(h.Config.PublicBaseURL, "/") + r.URL.RequestURI()
	params := r.PostForm
	if r.Method != http.MethodPost {
		params = nil
	}
	return telephony.ValidateTwilioSignature(h.Config.TwilioAuthToken, fullURL, params, r.Header.Get("X-Twilio-Signature"))
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}


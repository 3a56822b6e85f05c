package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

func TestTelephonyHandler_StatusAdvancesCall(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	sess, err := g.mgr.CreateSession(ctx, sessions.CreateParams{UserID: "u1"})
	require.NoError(t, err)
	call, err := g.mgr.PlaceCall(ctx, sess.ID, "+15557654321", "")
	require.NoError(t, err)

	form := url.Values{"CallSid": {call.ProviderCallID}, "CallStatus": {"in-progress"}}
	resp := g.postSigned(t, "/v1/telephony/status", form, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	form = url.Values{"CallSid": {call.ProviderCallID}, "CallStatus": {"completed"}, "CallDuration": {"42"}}
	resp = g.postSigned(t, "/v1/telephony/status", form, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := g.mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveCallID)
	assert.NotEqual(t, types.StateInCall, got.State)
}

func TestTelephonyHandler_RejectsBadSignature(t *testing.T) {
	g := newGateway(t)
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"ringing"}}
	resp := g.postSigned(t, "/v1/telephony/status", form, false)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTelephonyHandler_StatusValidation(t *testing.T) {
	g := newGateway(t)

	resp := g.postSigned(t, "/v1/telephony/status", url.Values{"CallStatus": {"ringing"}}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = g.postSigned(t, "/v1/telephony/status", url.Values{"CallSid": {"CA404"}, "CallStatus": {"ringing"}}, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "unknown calls are acknowledged")
}

func TestTelephonyHandler_InboundOpensSession(t *testing.T) {
	g := newGateway(t)
	form := url.Values{"CallSid": {"CAin1"}, "From": {"+15550002222"}, "To": {"+15550001111"}, "CallStatus": {"ringing"}}

	resp := g.postSigned(t, "/v1/telephony/inbound", form, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/xml")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "<Pause")
	assert.Equal(t, 1, g.mgr.Count())

	// Carrier retries land on the same session.
	resp = g.postSigned(t, "/v1/telephony/inbound", form, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, g.mgr.Count())
	assert.Equal(t, 1, g.mgr.ActiveCalls())
}

func TestTelephonyHandler_AnswerHolds(t *testing.T) {
	g := newGateway(t)
	resp := g.postSigned(t, "/v1/telephony/answer?call_id=c1", url.Values{"CallSid": {"CA1"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "<Response>")
}

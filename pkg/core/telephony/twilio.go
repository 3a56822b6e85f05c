package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioProvider implements Provider against the Twilio Calls REST resource.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewTwilio creates a Twilio provider.
func NewTwilio(accountSID, authToken string) *TwilioProvider {
	return NewTwilioWithClient(accountSID, authToken, &http.Client{})
}

// NewTwilioWithClient creates a Twilio provider with a custom HTTP client.
func NewTwilioWithClient(accountSID, authToken string, client *http.Client) *TwilioProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &TwilioProvider{
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		baseURL:    twilioBaseURL,
		httpClient: client,
	}
}

// WithBaseURL points the provider at a different API host.
func (t *TwilioProvider) WithBaseURL(base string) *TwilioProvider {
	if t == nil {
		return t
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" {
		t.baseURL = base
	}
	return t
}

func (t *TwilioProvider) Name() string {
	return "twilio"
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (t *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (*CallHandle, error) {
	if req.To == "" || req.From == "" {
		return nil, fmt.Errorf("to and from are required")
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	if req.AnswerURL != "" {
		form.Set("Url", req.AnswerURL)
	} else {
		form.Set("Twiml", HoldTwiML())
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var call twilioCall
	if err := t.post(ctx, t.callsURL(""), form, &call); err != nil {
		return nil, err
	}
	return &CallHandle{ProviderCallID: call.SID, Status: call.Status}, nil
}

func (t *TwilioProvider) EndCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return fmt.Errorf("provider call id is required")
	}
	form := url.Values{}
	form.Set("Status", StatusCompleted)
	return t.post(ctx, t.callsURL(providerCallID), form, nil)
}

func (t *TwilioProvider) PlayAudio(ctx context.Context, providerCallID, audioURL string) error {
	if providerCallID == "" {
		return fmt.Errorf("provider call id is required")
	}
	form := url.Values{}
	form.Set("Twiml", PlayTwiML(audioURL))
	return t.post(ctx, t.callsURL(providerCallID), form, nil)
}

func (t *TwilioProvider) callsURL(sid string) string {
	base := t.baseURL + "/Accounts/" + url.PathEscape(t.accountSID) + "/Calls"
	if sid == "" {
		return base + ".json"
	}
	return base + "/" + url.PathEscape(sid) + ".json"
}

func (t *TwilioProvider) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var te twilioError
		if json.Unmarshal(body, &te) == nil && te.Message != "" {
			return &CallError{StatusCode: resp.StatusCode, Code: te.Code, Message: te.Message}
		}
		return &CallError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// HoldTwiML keeps a call open without playing anything.
func HoldTwiML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Pause length="60"/></Response>`
}

// RejectTwiML declines an inbound call with a busy signal.
func RejectTwiML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Reject reason="busy"/></Response>`
}

// PlayTwiML plays audioURL and then holds the line.
func PlayTwiML(audioURL string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Play>`)
	_ = xml.EscapeText(&b, []byte(audioURL))
	b.WriteString(`</Play><Pause length="60"/></Response>`)
	return b.String()
}

// ParseTwilioStatus reads a Twilio status callback form.
func ParseTwilioStatus(form url.Values) (StatusUpdate, error) {
	u := StatusUpdate{
		ProviderCallID: strings.TrimSpace(form.Get("CallSid")),
		Status:         strings.TrimSpace(form.Get("CallStatus")),
		From:           strings.TrimSpace(form.Get("From")),
		To:             strings.TrimSpace(form.Get("To")),
		RecordingURL:   strings.TrimSpace(form.Get("RecordingUrl")),
	}
	if u.ProviderCallID == "" {
		return StatusUpdate{}, fmt.Errorf("CallSid is required")
	}
	if raw := strings.TrimSpace(form.Get("CallDuration")); raw != "" {
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil || d < 0 {
			return StatusUpdate{}, fmt.Errorf("invalid CallDuration %q", raw)
		}
		u.DurationSec = &d
	}
	if raw := strings.TrimSpace(form.Get("Price")); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return StatusUpdate{}, fmt.Errorf("invalid Price %q", raw)
		}
		// Twilio reports charges as negative amounts.
		if p < 0 {
			p = -p
		}
		u.Cost = &p
	}
	return u, nil
}

// ValidateTwilioSignature checks the X-Twilio-Signature header: base64 of
// HMAC-SHA1 over the full request URL followed by each POST parameter name
// and value, sorted by name.
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

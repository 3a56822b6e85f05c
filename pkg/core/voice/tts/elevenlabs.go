package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	elevenLabsDefaultBase  = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
)

// elevenlabs only emits raw PCM at these rates.
var elevenLabsPCMRates = []int{8000, 16000, 22050, 24000, 44100}

type ElevenLabsProvider struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	model      string
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return NewElevenLabsWithClient(apiKey, &http.Client{})
}

func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsProvider{
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: client,
		baseURL:    elevenLabsDefaultBase,
		model:      elevenLabsDefaultModel,
	}
}

func (e *ElevenLabsProvider) WithBaseURL(base string) *ElevenLabsProvider {
	if e == nil {
		return e
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" {
		e.baseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) WithModel(model string) *ElevenLabsProvider {
	if e == nil {
		return e
	}
	if model = strings.TrimSpace(model); model != "" {
		e.model = model
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Speed float64 `json:"speed,omitempty"`
}

func (e *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if e == nil || e.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}

	rate := nearestElevenLabsRate(opts.SampleRate)
	reqURL, err := buildElevenLabsURL(e.baseURL, voiceID, rate)
	if err != nil {
		return nil, err
	}

	payload := elevenLabsRequest{
		Text:         text,
		ModelID:      e.model,
		LanguageCode: opts.Language,
	}
	if opts.Speed != 0 {
		payload.VoiceSettings = &elevenLabsVoiceSettings{Speed: opts.Speed}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Provider: "elevenlabs", StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{
		Audio:      audio,
		Format:     "pcm",
		SampleRate: rate,
		Duration:   pcmDuration(len(audio), rate),
	}, nil
}

func buildElevenLabsURL(base, voiceID string, rate int) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = elevenLabsDefaultBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/text-to-speech/" + voiceID
	q := u.Query()
	q.Set("output_format", "pcm_"+strconv.Itoa(rate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func nearestElevenLabsRate(want int) int {
	if want <= 0 {
		return 24000
	}
	best := elevenLabsPCMRates[0]
	for _, r := range elevenLabsPCMRates {
		if absInt(r-want) < absInt(best-want) {
			best = r
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildElevenLabsURL(t *testing.T) {
	got, err := buildElevenLabsURL("https://api.elevenlabs.io/", "v 1", 16000)
	require.NoError(t, err)
	assert.Equal(t, "https://api.elevenlabs.io/v1/text-to-speech/v%201?output_format=pcm_16000", got)
}

func TestNearestElevenLabsRate(t *testing.T) {
	assert.Equal(t, 24000, nearestElevenLabsRate(0))
	assert.Equal(t, 8000, nearestElevenLabsRate(8000))
	assert.Equal(t, 24000, nearestElevenLabsRate(23500))
	assert.Equal(t, 44100, nearestElevenLabsRate(48000))
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-9", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))

		var body elevenLabsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body.Text)
		assert.Equal(t, elevenLabsDefaultModel, body.ModelID)

		_, _ = w.Write(make([]byte, 3200))
	}))
	defer srv.Close()

	p := NewElevenLabsWithClient("secret", srv.Client()).WithBaseURL(srv.URL)
	out, err := p.Synthesize(context.Background(), "hi", SynthesizeOptions{Voice: "voice-9", SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "pcm", out.Format)
	assert.Equal(t, 16000, out.SampleRate)
	assert.InDelta(t, 0.1, out.Duration, 1e-9)
}

func TestElevenLabsSynthesize_RequiresVoiceAndKey(t *testing.T) {
	_, err := NewElevenLabs("").Synthesize(context.Background(), "hi", SynthesizeOptions{Voice: "v"})
	assert.Error(t, err)

	_, err = NewElevenLabs("k").Synthesize(context.Background(), "hi", SynthesizeOptions{})
	assert.Error(t, err)
}

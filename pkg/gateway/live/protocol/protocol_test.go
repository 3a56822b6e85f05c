package protocol

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/vango-go/vai-voice/pkg/core"
)

func TestDecodeClientMessage_StartSession(t *testing.T) {
	raw := []byte(`{
		"type":"start_session",
		"request_id":"r1",
		"user_id":" u1 ",
		"quality":"high",
		"context":{"campaign":"spring"}
	}`)

	msg, err := DecodeClientMessage(raw, Limits{})
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	start, ok := msg.(StartSession)
	if !ok {
		t.Fatalf("decoded type = %T, want StartSession", msg)
	}
	if start.UserID != "u1" || start.RequestID != "r1" || start.Quality != "high" {
		t.Fatalf("start=%+v", start)
	}
	if start.Context["campaign"] != "spring" {
		t.Fatalf("context=%v", start.Context)
	}
}

func TestDecodeClientMessage_AudioChunk(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	raw := []byte(`{"type":"audio_chunk","session_id":"s1","audio":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)

	msg, err := DecodeClientMessage(raw, Limits{MaxAudioBytes: 64})
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	chunk := msg.(AudioChunk)
	if string(chunk.PCM) != string(pcm) {
		t.Fatalf("pcm=%v", chunk.PCM)
	}
	if chunk.Audio != "" {
		t.Fatal("base64 payload should be dropped after decoding")
	}
}

func TestDecodeClientMessage_AudioChunkRejections(t *testing.T) {
	tests := []struct {
		name  string
		audio string
		code  string
	}{
		{"empty", "", "bad_request"},
		{"not base64", "!!!", "bad_request"},
		{"odd length", base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "bad_request"},
		{"too large", base64.StdEncoding.EncodeToString(make([]byte, 128)), "too_large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(`{"type":"audio_chunk","session_id":"s1","audio":"` + tc.audio + `"}`)
			_, err := DecodeClientMessage(raw, Limits{MaxAudioBytes: 64})
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v (%T)", err, err)
			}
			if de.Code != tc.code || de.Param != "audio" {
				t.Fatalf("code=%q param=%q", de.Code, de.Param)
			}
		})
	}
}

func TestDecodeClientMessage_RequiredFields(t *testing.T) {
	tests := []struct {
		raw   string
		param string
	}{
		{`{"type":"start_session"}`, "user_id"},
		{`{"type":"end_session"}`, "session_id"},
		{`{"type":"audio_chunk","audio":"AAAA"}`, "session_id"},
		{`{"type":"speak","session_id":"s1","text":"  "}`, "text"},
		{`{"type":"place_call","session_id":"s1"}`, "to"},
		{`{"type":"end_call"}`, "call_id"},
		{`{"type":""}`, "type"},
		{`{"type":"dance"}`, "type"},
	}
	for _, tc := range tests {
		_, err := DecodeClientMessage([]byte(tc.raw), Limits{})
		de, ok := err.(*DecodeError)
		if !ok {
			t.Fatalf("%s: err type = %T", tc.raw, err)
		}
		if de.Param != tc.param {
			t.Fatalf("%s: param=%q want %q", tc.raw, de.Param, tc.param)
		}
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":`), Limits{})
	de, ok := err.(*DecodeError)
	if !ok || de.Code != "bad_request" {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeClientMessage_SpeakWithVoice(t *testing.T) {
	raw := []byte(`{"type":"speak","session_id":"s1","text":"hi","voice":{"voice_id":"v1","speed":1.2}}`)
	msg, err := DecodeClientMessage(raw, Limits{})
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	sp := msg.(Speak)
	if sp.Voice == nil || sp.Voice.VoiceID != "v1" || sp.Voice.Speed != 1.2 {
		t.Fatalf("voice=%+v", sp.Voice)
	}
}

func TestRequestID_SurvivesBadFrames(t *testing.T) {
	if got := RequestID([]byte(`{"type":"end_session","request_id":"abc"}`)); got != "abc" {
		t.Fatalf("RequestID=%q", got)
	}
	if got := RequestID([]byte(`garbage`)); got != "" {
		t.Fatalf("RequestID=%q", got)
	}
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame("r1", core.NewSessionNotFoundError("s9"))
	if frame.Type != TypeError || frame.Code != string(core.ErrSessionNotFound) || frame.RequestID != "r1" {
		t.Fatalf("frame=%+v", frame)
	}

	frame = ErrorFrame("", core.NewRateLimitError("slow down", 7))
	if frame.RetryAfter == nil || *frame.RetryAfter != 7 {
		t.Fatalf("retry_after=%v", frame.RetryAfter)
	}

	frame = ErrorFrame("", badRequest("missing type", "type"))
	if frame.Code != string(core.ErrInvalidRequest) || frame.Param != "type" {
		t.Fatalf("frame=%+v", frame)
	}

	frame = ErrorFrame("", errors.New("pq: connection refused"))
	if frame.Code != string(core.ErrAPI) || frame.Message != "internal error" {
		t.Fatalf("internal details leaked: %+v", frame)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "error" || decoded["message"] != "internal error" {
		t.Fatalf("wire=%s", data)
	}
}

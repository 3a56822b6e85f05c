package types

import "strings"

// VoiceProfile selects a TTS voice and its style parameters.
type VoiceProfile struct {
	Provider string  `json:"provider,omitempty"` // "cartesia" or "elevenlabs"; empty uses the configured default
	VoiceID  string  `json:"voice_id"`
	Speed    float64 `json:"speed,omitempty"`   // 0.6-1.5 (default: 1.0)
	Volume   float64 `json:"volume,omitempty"`  // 0.5-2.0 (default: 1.0)
	Emotion  string  `json:"emotion,omitempty"` // neutral, happy, calm, ...
	Language string  `json:"language,omitempty"`
}

// AudioQuality is the negotiated audio tier of a session. It fixes the PCM
// sample rate used for both ingestion and synthesis.
type AudioQuality string

const (
	QualityLow      AudioQuality = "low"
	QualityStandard AudioQuality = "standard"
	QualityHigh     AudioQuality = "high"
)

// SampleRate returns the PCM sample rate for the tier.
func (q AudioQuality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8000
	case QualityHigh:
		return 24000
	default:
		return 16000
	}
}

// ParseAudioQuality normalizes a client-supplied tier. Empty input yields the
// standard tier.
func ParseAudioQuality(raw string) (AudioQuality, bool) {
	switch AudioQuality(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return QualityStandard, true
	case QualityLow:
		return QualityLow, true
	case QualityStandard:
		return QualityStandard, true
	case QualityHigh:
		return QualityHigh, true
	default:
		return "", false
	}
}

// VoiceFormatPCM is raw little-endian 16-bit mono audio.
const VoiceFormatPCM = "pcm"

// Supported languages for Cartesia STT (ink-whisper)
// This is a subset of the most common languages.
var SupportedSTTLanguages = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr",
	"pl", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi", "he",
	"uk", "el", "cs", "ro", "da", "hu", "th",
}

// IsSupportedLanguage reports whether lang is accepted for transcription.
func IsSupportedLanguage(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range SupportedSTTLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

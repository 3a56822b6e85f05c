package live

import "github.com/vango-go/vai-voice/pkg/core/types"

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 8000, 16000, 24000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard audio configuration.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// AudioConfigFor returns mono 16-bit PCM at the tier's sample rate.
func AudioConfigFor(q types.AudioQuality) AudioConfig {
	cfg := DefaultAudioConfig()
	cfg.SampleRate = q.SampleRate()
	return cfg
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// FrameSize is the byte size of one sample across all channels.
func (c AudioConfig) FrameSize() int {
	n := c.Channels * (c.BitsPerSample / 8)
	if n <= 0 {
		return 1
	}
	return n
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in
// milliseconds, rounded down to a whole frame.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	n := (c.BytesPerSecond() * ms) / 1000
	return n - n%c.FrameSize()
}

// WindowConfig controls how buffered audio is cut into transcription windows.
type WindowConfig struct {
	// ThresholdMs of buffered audio triggers a transcription window.
	// Default: 2000
	ThresholdMs int `json:"threshold_ms" yaml:"threshold_ms"`

	// OverlapMs is the trailing audio kept after a window is committed so
	// words straddling the boundary are not lost. Default: 500
	OverlapMs int `json:"overlap_ms" yaml:"overlap_ms"`

	// MaxBufferMs bounds the per-session buffer; older audio is dropped.
	// Default: 30000
	MaxBufferMs int `json:"max_buffer_ms" yaml:"max_buffer_ms"`

	// SilenceThreshold is the RMS energy below which a window is dropped
	// without transcription. Zero disables the check.
	SilenceThreshold float64 `json:"silence_threshold" yaml:"silence_threshold"`
}

// DefaultWindowConfig returns a WindowConfig with the standard 2s window and
// 0.5s overlap.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		ThresholdMs: 2000,
		OverlapMs:   500,
		MaxBufferMs: 30000,
	}
}

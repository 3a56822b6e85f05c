package live

import (
	"math"
	"sync"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		// Little-endian 16-bit signed integer
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// AudioBuffer accumulates PCM audio with a fixed capacity. Writing past the
// capacity silently drops the oldest audio, always on a frame boundary.
type AudioBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	config   AudioConfig
}

// NewAudioBuffer creates a buffer that holds up to maxDurationMs of audio.
func NewAudioBuffer(config AudioConfig, maxDurationMs int) *AudioBuffer {
	maxBytes := config.BytesForDurationMs(maxDurationMs)
	if maxBytes <= 0 {
		maxBytes = config.FrameSize()
	}
	return &AudioBuffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		config:   config,
	}
}

// Write appends audio data to the buffer and returns the number of bytes
// discarded from the front to stay within capacity.
func (b *AudioBuffer) Write(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) >= b.maxBytes {
		dropped := len(b.data) + len(data) - b.maxBytes
		b.data = append(b.data[:0], data[len(data)-b.maxBytes:]...)
		return dropped
	}

	dropped := 0
	if excess := len(b.data) + len(data) - b.maxBytes; excess > 0 {
		frame := b.config.FrameSize()
		if rem := excess % frame; rem != 0 {
			excess += frame - rem
		}
		if excess > len(b.data) {
			excess = len(b.data)
		}
		// Shift in place so the backing array never grows past capacity.
		n := copy(b.data, b.data[excess:])
		b.data = b.data[:n]
		dropped = excess
	}
	b.data = append(b.data, data...)
	return dropped
}

// Read returns a copy of all buffered audio data.
func (b *AudioBuffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]byte, len(b.data))
	copy(result, b.data)
	return result
}

// KeepLast discards everything except the trailing durationMs of audio.
func (b *AudioBuffer) KeepLast(durationMs int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keep := b.config.BytesForDurationMs(durationMs)
	if keep >= len(b.data) {
		return
	}
	if keep <= 0 {
		b.data = b.data[:0]
		return
	}
	n := copy(b.data, b.data[len(b.data)-keep:])
	b.data = b.data[:n]
}

// Len returns the current buffer size in bytes.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Cap returns the buffer capacity in bytes.
func (b *AudioBuffer) Cap() int {
	return b.maxBytes
}

// DurationMs returns the current buffer duration in milliseconds.
func (b *AudioBuffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.DurationMs(len(b.data))
}

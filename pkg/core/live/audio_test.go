package live

import (
	"math"
	"testing"

	"github.com/vango-go/vai-voice/pkg/core/types"
)

func TestCalculateRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 1.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 0.5,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateRMSEnergy(pcmFromSamples(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestAudioConfig(t *testing.T) {
	cfg := DefaultAudioConfig()

	// 16kHz, mono, 16-bit = 32000 bytes/second
	if cfg.BytesPerSecond() != 32000 {
		t.Errorf("expected 32000 bytes/sec, got %d", cfg.BytesPerSecond())
	}
	if cfg.BytesForDurationMs(1000) != 32000 {
		t.Errorf("expected 32000 bytes for 1s, got %d", cfg.BytesForDurationMs(1000))
	}
	if cfg.DurationMs(32000) != 1000 {
		t.Errorf("expected 1000ms for 32000 bytes, got %d", cfg.DurationMs(32000))
	}
}

func TestAudioConfigFor(t *testing.T) {
	tests := map[types.AudioQuality]int{
		types.QualityLow:      16000,
		types.QualityStandard: 32000,
		types.QualityHigh:     48000,
	}
	for q, bps := range tests {
		if got := AudioConfigFor(q).BytesPerSecond(); got != bps {
			t.Errorf("%s: expected %d bytes/sec, got %d", q, bps, got)
		}
	}
}

func TestBytesForDurationMs_FrameAligned(t *testing.T) {
	cfg := AudioConfig{SampleRate: 8000, Channels: 1, BitsPerSample: 16}
	// 8000*2*3/1000 = 48 bytes exactly; 1ms of 8kHz mono 16-bit is 16 bytes.
	for _, ms := range []int{1, 3, 7, 333} {
		if n := cfg.BytesForDurationMs(ms); n%cfg.FrameSize() != 0 {
			t.Errorf("%dms -> %d bytes is not frame aligned", ms, n)
		}
	}
}

func TestAudioBuffer(t *testing.T) {
	cfg := DefaultAudioConfig()
	buf := NewAudioBuffer(cfg, 100) // 100ms buffer

	// Write 50ms of audio
	data50ms := make([]byte, cfg.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	if dropped := buf.Write(data50ms); dropped != 0 {
		t.Errorf("expected nothing dropped, got %d", dropped)
	}

	if buf.DurationMs() != 50 {
		t.Errorf("expected 50ms, got %dms", buf.DurationMs())
	}

	// Write another 100ms (should trim to 100ms total)
	data100ms := make([]byte, cfg.BytesForDurationMs(100))
	if dropped := buf.Write(data100ms); dropped != len(data50ms) {
		t.Errorf("expected %d dropped, got %d", len(data50ms), dropped)
	}

	if buf.DurationMs() != 100 {
		t.Errorf("expected 100ms (capped), got %dms", buf.DurationMs())
	}

	buf.KeepLast(0)
	if buf.Len() != 0 {
		t.Errorf("expected 0 after KeepLast(0), got %d", buf.Len())
	}
}

func TestAudioBuffer_DropsOldestFirst(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16} // 2 bytes/ms
	buf := NewAudioBuffer(cfg, 4)                                          // 8 bytes

	buf.Write([]byte{1, 1, 2, 2, 3, 3})
	buf.Write([]byte{4, 4, 5, 5})

	got := buf.Read()
	want := []byte{2, 2, 3, 3, 4, 4, 5, 5}
	if string(got) != string(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if buf.Len() > buf.Cap() {
		t.Fatalf("buffer exceeded capacity: %d > %d", buf.Len(), buf.Cap())
	}
}

func TestAudioBuffer_OversizedWriteKeepsTail(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	buf := NewAudioBuffer(cfg, 2) // 4 bytes

	buf.Write([]byte{9, 9})
	dropped := buf.Write([]byte{1, 1, 2, 2, 3, 3})

	if got := buf.Read(); string(got) != string([]byte{2, 2, 3, 3}) {
		t.Fatalf("unexpected contents %v", got)
	}
	if dropped != 4 {
		t.Errorf("expected 4 dropped, got %d", dropped)
	}
}

func TestAudioBuffer_KeepLast(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	buf := NewAudioBuffer(cfg, 10)
	buf.Write([]byte{1, 1, 2, 2, 3, 3, 4, 4})

	buf.KeepLast(1)
	if got := buf.Read(); string(got) != string([]byte{4, 4}) {
		t.Fatalf("expected trailing frame, got %v", got)
	}

	buf.KeepLast(5)
	if got := buf.Len(); got != 2 {
		t.Errorf("KeepLast beyond the buffered length should be a no-op, got %d bytes", got)
	}
}

func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return pcm
}

package live

import "sync"

// Window is a contiguous span of audio handed to speech recognition.
type Window struct {
	PCM        []byte
	DurationMs int
	Energy     float64
}

// StreamProcessor cuts a continuous PCM stream into overlapping windows.
// It is safe for concurrent use but is normally driven by a single worker.
type StreamProcessor struct {
	mu      sync.Mutex
	buf     *AudioBuffer
	audio   AudioConfig
	cfg     WindowConfig
	pending bool
}

// NewStreamProcessor creates a processor for audio in the given format.
// Zero fields in cfg take their defaults.
func NewStreamProcessor(audio AudioConfig, cfg WindowConfig) *StreamProcessor {
	def := DefaultWindowConfig()
	if cfg.ThresholdMs <= 0 {
		cfg.ThresholdMs = def.ThresholdMs
	}
	if cfg.OverlapMs < 0 {
		cfg.OverlapMs = 0
	}
	if cfg.OverlapMs >= cfg.ThresholdMs {
		cfg.OverlapMs = cfg.ThresholdMs / 4
	}
	if cfg.MaxBufferMs < cfg.ThresholdMs {
		cfg.MaxBufferMs = max(def.MaxBufferMs, cfg.ThresholdMs)
	}
	return &StreamProcessor{
		buf:   NewAudioBuffer(audio, cfg.MaxBufferMs),
		audio: audio,
		cfg:   cfg,
	}
}

// Push appends chunk and reports a window once the buffered duration reaches
// the threshold. The returned window is a copy of the whole buffer. While a
// window is outstanding (reported but not committed) Push keeps buffering and
// never reports a second one.
func (p *StreamProcessor) Push(chunk []byte) (Window, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(chunk)
	if p.pending || p.buf.DurationMs() < p.cfg.ThresholdMs {
		return Window{}, false
	}

	pcm := p.buf.Read()
	w := Window{
		PCM:        pcm,
		DurationMs: p.audio.DurationMs(len(pcm)),
		Energy:     CalculateRMSEnergy(pcm),
	}
	p.pending = true
	return w, true
}

// Commit finishes the outstanding window, keeping only the trailing overlap.
// It is called after both successful and failed recognition so the buffer
// cannot grow without bound.
func (p *StreamProcessor) Commit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.KeepLast(p.cfg.OverlapMs)
	p.pending = false
}

// Silent reports whether w falls below the configured silence threshold.
func (p *StreamProcessor) Silent(w Window) bool {
	return p.cfg.SilenceThreshold > 0 && w.Energy < p.cfg.SilenceThreshold
}

// BufferedMs returns the duration of audio currently held.
func (p *StreamProcessor) BufferedMs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.DurationMs()
}

// AudioConfig returns the format this processor was built for.
func (p *StreamProcessor) AudioConfig() AudioConfig {
	return p.audio
}

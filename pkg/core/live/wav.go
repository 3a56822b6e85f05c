package live

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// EncodeWAV wraps raw little-endian PCM in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, cfg AudioConfig) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))

	blockAlign := cfg.FrameSize()
	dataLen := uint32(len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(cfg.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cfg.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cfg.BytesPerSecond()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(cfg.BitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWAV extracts the PCM payload and format from a WAV file. Only
// uncompressed PCM is accepted; unknown chunks are skipped.
func DecodeWAV(data []byte) ([]byte, AudioConfig, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, AudioConfig{}, errors.New("not a RIFF/WAVE file")
	}

	var cfg AudioConfig
	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Streaming encoders often leave the data length unset.
				size = len(data) - body
			} else {
				return nil, AudioConfig{}, fmt.Errorf("truncated %q chunk", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, AudioConfig{}, errors.New("short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, AudioConfig{}, fmt.Errorf("unsupported wav format %d", format)
			}
			cfg.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			cfg.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			cfg.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, AudioConfig{}, errors.New("data chunk before fmt chunk")
			}
			pcm := make([]byte, size)
			copy(pcm, data[body:body+size])
			return pcm, cfg, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return nil, AudioConfig{}, errors.New("wav has no data chunk")
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

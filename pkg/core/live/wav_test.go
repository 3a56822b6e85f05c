package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV_Header(t *testing.T) {
	cfg := DefaultAudioConfig()
	pcm := pcmFromSamples([]int16{1, -1, 2, -2})

	wav := EncodeWAV(pcm, cfg)
	require.Len(t, wav, wavHeaderSize+len(pcm))
	assert.True(t, IsWAV(wav))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))

	back, got, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, pcm, back)
	assert.Equal(t, cfg, got)
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	cfg := AudioConfig{SampleRate: 8000, Channels: 1, BitsPerSample: 16}
	pcm := []byte{1, 2, 3, 4}
	wav := EncodeWAV(pcm, cfg)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	back, got, err := DecodeWAV(spliced)
	require.NoError(t, err)
	assert.Equal(t, pcm, back)
	assert.Equal(t, 8000, got.SampleRate)
}

func TestDecodeWAV_Rejects(t *testing.T) {
	_, _, err := DecodeWAV([]byte("nope"))
	assert.Error(t, err)

	wav := EncodeWAV([]byte{0, 0}, DefaultAudioConfig())
	wav[20] = 3 // IEEE float
	_, _, err = DecodeWAV(wav)
	assert.Error(t, err)
}

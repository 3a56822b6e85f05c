package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupportedLanguage(t *testing.T) {
	assert.True(t, IsSupportedLanguage("en"))
	assert.True(t, IsSupportedLanguage(" FR "))
	assert.False(t, IsSupportedLanguage(""))
	assert.False(t, IsSupportedLanguage("klingon"))
}

func TestAudioQuality_SampleRate(t *testing.T) {
	assert.Equal(t, 8000, QualityLow.SampleRate())
	assert.Equal(t, 16000, QualityStandard.SampleRate())
	assert.Equal(t, 24000, QualityHigh.SampleRate())
	assert.Equal(t, 16000, AudioQuality("").SampleRate())
}

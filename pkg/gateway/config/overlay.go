package config

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Overlay holds the policies that may be tuned from VOICE_CONFIG_FILE. Keys
// present in the file replace the matching entries; absent keys keep their
// current values.
//
//	breakers:
//	  transcription: {failure_threshold: 3, recovery_timeout: 30s}
//	rate_limits:
//	  api: {limit: 50, window: 1m}
type Overlay struct {
	Breakers   map[string]breaker.Settings `yaml:"breakers"`
	RateLimits map[string]ratelimit.Policy `yaml:"rate_limits"`
}

// LoadOverlay reads and validates an overlay file.
func LoadOverlay(path string) (Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overlay{}, fmt.Errorf("read overlay: %w", err)
	}
	return ParseOverlay(data)
}

func ParseOverlay(data []byte) (Overlay, error) {
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return Overlay{}, fmt.Errorf("parse overlay: %w", err)
	}
	for key, s := range ov.Breakers {
		if s.FailureThreshold <= 0 || s.RecoveryTimeout <= 0 {
			return Overlay{}, fmt.Errorf("overlay breaker %q: failure_threshold and recovery_timeout must be > 0", key)
		}
	}
	for name, p := range ov.RateLimits {
		if p.Limit < 0 || p.Window < 0 {
			return Overlay{}, fmt.Errorf("overlay rate limit %q: limit and window must be >= 0", name)
		}
	}
	return ov, nil
}

// Apply merges the overlay into cfg without aliasing cfg's maps.
func (ov Overlay) Apply(cfg *Config) {
	cfg.Breakers = ov.MergeBreakers(cfg.Breakers)
	cfg.RateLimits = ov.MergeRateLimits(cfg.RateLimits)
}

func (ov Overlay) MergeBreakers(base map[string]breaker.Settings) map[string]breaker.Settings {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]breaker.Settings, len(ov.Breakers))
	}
	maps.Copy(out, ov.Breakers)
	return out
}

func (ov Overlay) MergeRateLimits(base map[string]ratelimit.Policy) map[string]ratelimit.Policy {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]ratelimit.Policy, len(ov.RateLimits))
	}
	maps.Copy(out, ov.RateLimits)
	return out
}

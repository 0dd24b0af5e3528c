package config

import (
	"os"
	"strconv"
)

// Config holds the tuning knobs of a device's crypto machine.
// Every field has a usable default so tests can start from Default().
type Config struct {
	Olm   OlmConfig
	Trust TrustConfig
}

type OlmConfig struct {
	// OneTimeKeyTarget is how many signed one-time keys the server should hold.
	OneTimeKeyTarget int
	// MaxSkippedMessageKeys bounds out-of-order pairwise messages per session.
	MaxSkippedMessageKeys int
	// MaxRatchetAdvance bounds how far a group session is fast-forwarded to decrypt.
	MaxRatchetAdvance uint32
}

type TrustConfig struct {
	// DefaultRequirement is one of "untrusted", "cross_signed_or_legacy", "cross_signed".
	DefaultRequirement string
}

func Default() *Config {
	return &Config{
		Olm: OlmConfig{
			OneTimeKeyTarget:      50,
			MaxSkippedMessageKeys: 1000,
			MaxRatchetAdvance:     1 << 20,
		},
		Trust: TrustConfig{
			DefaultRequirement: "untrusted",
		},
	}
}

// LoadConfig overlays environment variables on Default.
func LoadConfig() (*Config, error) {
	cfg := Default()
	cfg.Olm.OneTimeKeyTarget = getEnvAsInt("OLM_ONE_TIME_KEY_TARGET", cfg.Olm.OneTimeKeyTarget)
	cfg.Olm.MaxSkippedMessageKeys = getEnvAsInt("OLM_MAX_SKIPPED_MESSAGE_KEYS", cfg.Olm.MaxSkippedMessageKeys)
	cfg.Olm.MaxRatchetAdvance = uint32(getEnvAsInt("OLM_MAX_RATCHET_ADVANCE", int(cfg.Olm.MaxRatchetAdvance)))
	cfg.Trust.DefaultRequirement = getEnv("E2EE_DEFAULT_TRUST", cfg.Trust.DefaultRequirement)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

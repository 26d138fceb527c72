package enclave

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/anoma/kassandra-service/internal/attestation"
)

// Config holds the enclave process's boot-time configuration, loaded from
// the TOML file at LoadConfig's path (if non-empty) overlaid with KASSANDRA_ENCLAVE_-prefixed
// environment variables (spec.md §6, §8.3's mock/transparent modes).
type Config struct {
	Mode           attestation.Mode `mapstructure:"-"`
	ModeName       string           `mapstructure:"mode"`
	MeasurementHex string           `mapstructure:"measurement"`
	MaxFprLog2     uint32           `mapstructure:"fpr_log2_max"`
	MaxSessions    int              `mapstructure:"max_sessions"`
	RegistryCap    int              `mapstructure:"registry_capacity"`
}

// LoadConfig reads enclave configuration from path, following the same
// env-first viper pattern as internal/host/config.go.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KASSANDRA_ENCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "mock")
	v.SetDefault("measurement", strings.Repeat("00", 32))
	v.SetDefault("fpr_log2_max", 24)
	v.SetDefault("max_sessions", 1)
	v.SetDefault("registry_capacity", 4096)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	cfg := &Config{
		ModeName:       v.GetString("mode"),
		MeasurementHex: v.GetString("measurement"),
		MaxFprLog2:     uint32(v.GetInt("fpr_log2_max")),
		MaxSessions:    v.GetInt("max_sessions"),
		RegistryCap:    v.GetInt("registry_capacity"),
	}

	switch cfg.ModeName {
	case "mock":
		cfg.Mode = attestation.ModeMock
	case "transparent":
		cfg.Mode = attestation.ModeTransparent
	default:
		return nil, fmt.Errorf("enclave: unrecognized attestation mode %q", cfg.ModeName)
	}

	return cfg, nil
}

// Measurement decodes MeasurementHex into a Measurement value.
func (c *Config) Measurement() (attestation.Measurement, error) {
	var m attestation.Measurement
	raw, err := hex.DecodeString(c.MeasurementHex)
	if err != nil {
		return m, fmt.Errorf("enclave: decode measurement: %w", err)
	}
	if len(raw) != len(m) {
		return m, fmt.Errorf("enclave: measurement decodes to %d bytes, want %d", len(raw), len(m))
	}
	copy(m[:], raw)
	return m, nil
}

// NewTransparentKey generates a fresh ed25519 identity for ModeTransparent.
// The enclave mints a new self-signing key every boot; spec.md's protocol
// never persists enclave state across restarts, so there is nothing to
// carry forward here either.
func NewTransparentKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("enclave: generate transparent key: %w", err)
	}
	return priv, nil
}

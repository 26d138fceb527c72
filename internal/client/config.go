package client

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/anoma/kassandra-service/internal/attestation"
)

// ProviderConfig is one configured provider (spec.md §3): its URL, the
// false-positive rate requested of it, birthday, and its salting index.
type ProviderConfig struct {
	URL                  string `mapstructure:"url"`
	RequestedFprLog2User uint32 `mapstructure:"requested_fpr_log2_user"`
	BirthdayHeight       uint64 `mapstructure:"birthday_height"`
	ProviderIndex        uint32 `mapstructure:"provider_index"`
}

// Config is the client's full runtime configuration, loaded from
// client.toml overlaid with KASSANDRA_CLIENT_-prefixed environment
// variables (spec.md §6).
type Config struct {
	Providers  []ProviderConfig `mapstructure:"providers"`
	FprLog2Min uint32           `mapstructure:"fpr_log2_min"`
	// AttestationMode is "mock" or "transparent"; it must match every
	// configured provider's enclave build (spec.md §4.2 point 5's pinned
	// verifier configuration, §8.3's "client built in transparent mode").
	AttestationMode string `mapstructure:"attestation_mode"`
	// ExpectedMeasurementHex pins the measurement every provider's quote
	// must carry. A client only trusts providers running the exact
	// enclave build this hash identifies.
	ExpectedMeasurementHex string `mapstructure:"expected_measurement"`
}

// Mode resolves AttestationMode to an attestation.Mode.
func (c *Config) Mode() (attestation.Mode, error) {
	switch c.AttestationMode {
	case "mock":
		return attestation.ModeMock, nil
	case "transparent":
		return attestation.ModeTransparent, nil
	default:
		return 0, fmt.Errorf("client: unrecognized attestation mode %q", c.AttestationMode)
	}
}

// Measurement decodes ExpectedMeasurementHex.
func (c *Config) Measurement() (attestation.Measurement, error) {
	var m attestation.Measurement
	raw, err := hex.DecodeString(c.ExpectedMeasurementHex)
	if err != nil {
		return m, fmt.Errorf("client: decode expected_measurement: %w", err)
	}
	if len(raw) != len(m) {
		return m, fmt.Errorf("client: expected_measurement decodes to %d bytes, want %d", len(raw), len(m))
	}
	copy(m[:], raw)
	return m, nil
}

// LoadConfig reads client configuration from path, following the same
// env-first viper pattern as internal/host/config.go.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KASSANDRA_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("fpr_log2_min", 1)
	v.SetDefault("attestation_mode", "mock")
	v.SetDefault("expected_measurement", strings.Repeat("00", 32))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("client: unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigPath returns $HOME/.kassandra/client.toml (spec.md §6).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("client: home dir: %w", err)
	}
	return filepath.Join(home, ".kassandra", "client.toml"), nil
}

// ProviderRecord is one entry of providers.json: everything the client
// persists after a successful registration (spec.md §6's "per-provider
// {url, uuid, enc_key_hex, detection_key_params}").
type ProviderRecord struct {
	URL            string `json:"url"`
	UUID           string `json:"uuid"`
	EncKeyHex      string `json:"enc_key_hex"`
	ProviderIndex  uint32 `json:"provider_index"`
	FprLog2        uint32 `json:"fpr_log2"`
	BirthdayHeight uint64 `json:"birthday_height"`
}

// ProvidersFile is the parsed form of $HOME/.kassandra/providers.json.
type ProvidersFile struct {
	Providers []ProviderRecord `json:"providers"`
}

// LoadProvidersFile reads providers.json at path, returning an empty file
// if it does not yet exist.
func LoadProvidersFile(path string) (*ProvidersFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProvidersFile{}, nil
		}
		return nil, fmt.Errorf("client: read providers file: %w", err)
	}
	var pf ProvidersFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("client: decode providers file: %w", err)
	}
	return &pf, nil
}

// Save writes pf to path as indented JSON, creating its parent directory
// if necessary.
func (pf *ProvidersFile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("client: encode providers file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("client: write providers file: %w", err)
	}
	return nil
}

// Upsert replaces any existing record for the same URL, or appends a new
// one.
func (pf *ProvidersFile) Upsert(rec ProviderRecord) {
	for i, existing := range pf.Providers {
		if existing.URL == rec.URL {
			pf.Providers[i] = rec
			return
		}
	}
	pf.Providers = append(pf.Providers, rec)
}

// EncKeyBytes decodes rec's hex-encoded encryption key.
func (rec ProviderRecord) EncKeyBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(rec.EncKeyHex)
	if err != nil {
		return out, fmt.Errorf("client: decode enc_key_hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("client: enc_key_hex decodes to %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

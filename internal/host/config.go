// Package host implements the untrusted driver process: it owns the
// enclave's byte-stream pair, the client-facing TCP gateway, the MASP
// indexer polling loop, and the two at-rest stores spec.md §3 treats as an
// external SQLite collaborator.
package host

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the host process's full runtime configuration, loaded from
// the TOML file at LoadConfig's path (if non-empty) overlaid with KASSANDRA_HOST_-prefixed
// environment variables (spec.md §6).
type Config struct {
	IndexerURL string `mapstructure:"indexer_url"`
	ListenAddr string `mapstructure:"listen_addr"`
	// EnclaveStdioPair is the enclave binary's path; the host spawns it as
	// a subprocess and bridges its stdin/stdout as the framed byte-stream
	// pair Driver owns (spec.md §6's enclave_stdio_pair, §4.3's driver).
	EnclaveStdioPair string `mapstructure:"enclave_stdio_pair"`
	DBDir            string `mapstructure:"db_dir"`
	MaxSessions      int    `mapstructure:"max_sessions"`
	// FprLog2Min is named after spec.md §6's host config field
	// (`fpr_log2_min`) but carries the largest fpr_log2 this deployment
	// accepts: spec.md's own encoding section states "γ_min is encoded as
	// fpr_log2_max in config", and since larger fpr_log2 means smaller γ,
	// rejecting anything above this value would reject exactly γ < γ_min.
	// Nothing in the host reads this field: registrations are checked
	// inside the enclave against its own fpr_log2_max setting
	// (internal/enclave/config.go).
	FprLog2Min       uint32        `mapstructure:"fpr_log2_min"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	SessionIdle      time.Duration `mapstructure:"session_idle"`
	KMSKeyID         string        `mapstructure:"kms_key_id"`
	AWSRegion        string        `mapstructure:"aws_region"`
	LocalKMSEndpoint string        `mapstructure:"local_kms_endpoint"`
	// WrappedKeyHex is the KMS-wrapped data encryption key protecting
	// HostTxStore/HostResultStore at rest, hex-encoded as it sits in
	// host.toml / the environment. UnwrapDataEncryptionKey recovers the
	// plaintext key from this once at startup.
	WrappedKeyHex string `mapstructure:"wrapped_key_hex"`
}

// LoadConfig reads host configuration from path (if non-empty and present)
// and from the environment, following the teacher's env-first viper
// pattern in internal/config/config.go.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KASSANDRA_HOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("indexer_url", "http://localhost:8545/masp")
	v.SetDefault("listen_addr", "127.0.0.1:7878")
	v.SetDefault("enclave_stdio_pair", "kassandra-enclave")
	v.SetDefault("db_dir", "$HOME/.kassandra")
	v.SetDefault("max_sessions", 1)
	v.SetDefault("fpr_log2_min", 1)
	v.SetDefault("queue_depth", 16)
	v.SetDefault("session_idle", "30s")
	v.SetDefault("aws_region", "us-east-1")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	cfg := &Config{
		IndexerURL:       v.GetString("indexer_url"),
		ListenAddr:       v.GetString("listen_addr"),
		EnclaveStdioPair: v.GetString("enclave_stdio_pair"),
		DBDir:            v.GetString("db_dir"),
		MaxSessions:      v.GetInt("max_sessions"),
		FprLog2Min:       uint32(v.GetInt("fpr_log2_min")),
		QueueDepth:       v.GetInt("queue_depth"),
		SessionIdle:      v.GetDuration("session_idle"),
		KMSKeyID:         v.GetString("kms_key_id"),
		AWSRegion:        v.GetString("aws_region"),
		LocalKMSEndpoint: v.GetString("local_kms_endpoint"),
		WrappedKeyHex:    v.GetString("wrapped_key_hex"),
	}
	return cfg, nil
}

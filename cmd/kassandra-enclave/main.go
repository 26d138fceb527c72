package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/anoma/kassandra-service/internal/attestation"
	"github.com/anoma/kassandra-service/internal/enclave"
	"github.com/anoma/kassandra-service/internal/fmd"
)

func main() {
	cfgPath := os.Getenv("KASSANDRA_ENCLAVE_CONFIG")
	cfg, err := enclave.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-enclave: load config: %v\n", err)
		os.Exit(1)
	}

	measurement, err := cfg.Measurement()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-enclave: %v\n", err)
		os.Exit(1)
	}

	var transparentKey = mustTransparentKey(cfg)
	signer := attestation.NewSigner(cfg.Mode, measurement, transparentKey)

	engine := enclave.NewEngine(enclave.Config{
		Signer:      signer,
		Scheme:      fmd.NewHMACBitTestScheme(),
		Registry:    enclave.NewRegistry(cfg.RegistryCap),
		MaxFprLog2:  cfg.MaxFprLog2,
		MaxSessions: cfg.MaxSessions,
	})

	if err := engine.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-enclave: %v\n", err)
		os.Exit(1)
	}
}

func mustTransparentKey(cfg *enclave.Config) ed25519.PrivateKey {
	if cfg.Mode != attestation.ModeTransparent {
		return nil
	}
	key, err := enclave.NewTransparentKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-enclave: %v\n", err)
		os.Exit(1)
	}
	return key
}

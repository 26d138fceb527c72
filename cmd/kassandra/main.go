package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/anoma/kassandra-service/internal/attestation"
	"github.com/anoma/kassandra-service/internal/client"
	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/fmd"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigOrIO    = 1
	exitAttestation   = 2
	exitDecryptFailed = 3
)

func main() {
	defer memguard.Purge()

	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "kassandra",
		Short: "Kassandra fuzzy message detection client",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to client.toml (default $HOME/.kassandra/client.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log", "info", "log level")

	root.AddCommand(newRegisterCmd(&configPath))
	root.AddCommand(newQueryCmd(&configPath))
	root.AddCommand(newListProvidersCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kassandra: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to spec.md §6's CLI exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, attestation.ErrQuoteInvalid),
		errors.Is(err, attestation.ErrMeasurementMismatch),
		errors.Is(err, attestation.ErrReportDataMismatch):
		return exitAttestation
	case errors.Is(err, kassandracrypto.ErrDecrypt):
		return exitDecryptFailed
	default:
		return exitConfigOrIO
	}
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return client.DefaultConfigPath()
}

func loadMasterSecret() (client.MasterSecret, error) {
	var secret client.MasterSecret
	hexSecret := os.Getenv("KASSANDRA_MASTER_SECRET_HEX")
	if hexSecret == "" {
		return secret, fmt.Errorf("KASSANDRA_MASTER_SECRET_HEX not set")
	}
	raw, err := hex.DecodeString(hexSecret)
	if err != nil {
		return secret, fmt.Errorf("decode master secret: %w", err)
	}
	if len(raw) != len(secret) {
		return secret, fmt.Errorf("master secret decodes to %d bytes, want %d", len(raw), len(secret))
	}
	copy(secret[:], raw)
	return secret, nil
}

func providersJSONPath(configPath string) (string, error) {
	if configPath == "" {
		var err error
		configPath, err = client.DefaultConfigPath()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(filepath.Dir(configPath), "providers.json"), nil
}

func newRegisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "derive per-provider keys and register them with every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd.Context(), *configPath)
		},
	}
}

func runRegister(ctx context.Context, configPath string) error {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return err
	}
	cfg, err := client.LoadConfig(path)
	if err != nil {
		return err
	}

	mode, err := cfg.Mode()
	if err != nil {
		return err
	}
	measurement, err := cfg.Measurement()
	if err != nil {
		return err
	}

	secretBytes, err := loadMasterSecret()
	if err != nil {
		return err
	}
	secretEnclave := memguard.NewEnclave(append([]byte(nil), secretBytes[:]...))

	providersPath, err := providersJSONPath(path)
	if err != nil {
		return err
	}
	pf, err := client.LoadProvidersFile(providersPath)
	if err != nil {
		return err
	}

	scheme := fmd.NewHMACBitTestScheme()
	numProviders := len(cfg.Providers)
	if numProviders == 0 {
		return fmt.Errorf("no providers configured")
	}

	// Connect to every configured provider in parallel (spec.md §6):
	// each handshake is an independent round trip to a different host, so
	// nothing serializes them. secretEnclave.Open() is safe to call
	// concurrently; each goroutine destroys its own momentary copy.
	results := make([]registerOutcome, numProviders)
	var wg sync.WaitGroup
	wg.Add(numProviders)
	for i, pc := range cfg.Providers {
		go func(i int, pc client.ProviderConfig) {
			defer wg.Done()
			results[i] = registerOne(ctx, secretEnclave, scheme, mode, measurement, cfg.FprLog2Min, numProviders, pc)
		}(i, pc)
	}
	wg.Wait()

	for _, res := range results {
		if res.clamped {
			fmt.Fprintf(os.Stderr, "kassandra: provider %s: requested rate clamped to fpr_log2_min=%d\n", res.rec.URL, cfg.FprLog2Min)
		}
		if res.err != nil {
			// exitCodeFor distinguishes attestation failures (exit 2) from
			// this, via errors.Is against the %w-wrapped sentinel.
			return res.err
		}
		pf.Upsert(res.rec)
		fmt.Printf("registered with %s (uuid=%s)\n", res.rec.URL, res.rec.UUID)
	}

	if err := pf.Save(providersPath); err != nil {
		return err
	}
	return nil
}

// registerOutcome is one goroutine's result from registerOne, collected
// back into runRegister's own slot so output stays in configured-provider
// order despite the handshakes running concurrently.
type registerOutcome struct {
	rec     client.ProviderRecord
	clamped bool
	err     error
}

// registerOne derives this provider's keys and performs its attested
// register round trip. It is safe to run concurrently with other calls
// against the same secretEnclave.
func registerOne(ctx context.Context, secretEnclave *memguard.Enclave, scheme fmd.Scheme, mode attestation.Mode, measurement attestation.Measurement, fprLog2Min uint32, numProviders int, pc client.ProviderConfig) registerOutcome {
	fprLog2PerProvider, clamped := client.Apportion(pc.RequestedFprLog2User, fprLog2Min, numProviders)

	var secret client.MasterSecret
	buf, err := secretEnclave.Open()
	if err != nil {
		return registerOutcome{rec: client.ProviderRecord{URL: pc.URL}, err: fmt.Errorf("open master secret: %w", err)}
	}
	copy(secret[:], buf.Bytes())
	buf.Destroy()

	keys, err := client.DeriveProviderKeys(scheme, secret, pc.ProviderIndex, fprLog2PerProvider, nil)
	if err != nil {
		return registerOutcome{rec: client.ProviderRecord{URL: pc.URL}, clamped: clamped, err: err}
	}

	provider := client.NewProvider(pc.URL, mode, measurement)
	uuid, err := provider.Register(ctx, keys, pc.BirthdayHeight)
	if err != nil {
		return registerOutcome{rec: client.ProviderRecord{URL: pc.URL}, clamped: clamped, err: fmt.Errorf("register with %s: %w", pc.URL, err)}
	}

	rec := client.ProviderRecord{
		URL:            pc.URL,
		UUID:           hex.EncodeToString(uuid[:]),
		EncKeyHex:      hex.EncodeToString(keys.EncKey[:]),
		ProviderIndex:  pc.ProviderIndex,
		FprLog2:        fprLog2PerProvider,
		BirthdayHeight: pc.BirthdayHeight,
	}
	return registerOutcome{rec: rec, clamped: clamped}
}

func newQueryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "query every registered provider and merge the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), *configPath)
		},
	}
}

func runQuery(ctx context.Context, configPath string) error {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return err
	}
	providersPath, err := providersJSONPath(path)
	if err != nil {
		return err
	}
	pf, err := client.LoadProvidersFile(providersPath)
	if err != nil {
		return err
	}
	if len(pf.Providers) == 0 {
		return fmt.Errorf("no registered providers; run `kassandra register` first")
	}

	var results []client.ProviderResult
	for _, rec := range pf.Providers {
		encKey, err := rec.EncKeyBytes()
		if err != nil {
			return err
		}
		var providerUUID [16]byte
		rawUUID, err := hex.DecodeString(rec.UUID)
		if err != nil || len(rawUUID) != 16 {
			return fmt.Errorf("provider %s: malformed stored uuid", rec.URL)
		}
		copy(providerUUID[:], rawUUID)

		provider := &client.Provider{URL: rec.URL}
		res, err := provider.Query(ctx, encKey, providerUUID)
		if err != nil {
			if errors.Is(err, kassandracrypto.ErrDecrypt) {
				return err
			}
			return fmt.Errorf("query %s: %w", rec.URL, err)
		}
		results = append(results, res)
	}

	merged := client.Merge(results)
	fmt.Printf("confirmed through height %d, %d matching indices\n", merged.ConfirmedHeight, len(merged.Indices))
	for _, idx := range merged.Indices {
		fmt.Println(strconv.FormatUint(idx, 10))
	}
	return nil
}

func newListProvidersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-providers",
		Short: "list every registered provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListProviders(*configPath)
		},
	}
}

func runListProviders(configPath string) error {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return err
	}
	providersPath, err := providersJSONPath(path)
	if err != nil {
		return err
	}
	pf, err := client.LoadProvidersFile(providersPath)
	if err != nil {
		return err
	}
	if len(pf.Providers) == 0 {
		fmt.Println("no registered providers")
		return nil
	}
	for _, rec := range pf.Providers {
		fmt.Printf("%s\tuuid=%s\tfpr_log2=%d\tbirth=%d\n", rec.URL, rec.UUID, rec.FprLog2, rec.BirthdayHeight)
	}
	return nil
}

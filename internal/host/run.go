package host

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"sync"
	"time"
)

// Server is the host process's fully-wired runtime: the enclave
// subprocess, the single-owner Driver over its stdio, the client Gateway,
// the background Scanner, and the Indexer ingestion loop.
type Server struct {
	cfg *Config

	cmd    *exec.Cmd
	driver *Driver

	gateway *Gateway
	scanner *Scanner
	indexer *Indexer
}

// NewServer unwraps the host's at-rest data encryption key (if
// cfg.WrappedKeyHex is set), builds HostTxStore/HostResultStore against it,
// spawns the enclave subprocess named by cfg.EnclaveStdioPair, wires a
// Driver over its stdin/stdout, and builds the gateway, scanner, and
// indexer against the resulting stores.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	var dek *DataEncryptionKey
	if cfg.WrappedKeyHex != "" {
		wrapped, err := hex.DecodeString(cfg.WrappedKeyHex)
		if err != nil {
			return nil, fmt.Errorf("host: decode wrapped_key_hex: %w", err)
		}
		unwrapped, err := UnwrapDataEncryptionKey(ctx, cfg, wrapped)
		if err != nil {
			return nil, fmt.Errorf("host: unwrap data encryption key: %w", err)
		}
		dek = &unwrapped
	}

	txs := NewMemTxStore(dek)
	results := NewMemResultStore(dek)

	cmd := exec.Command(cfg.EnclaveStdioPair)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host: enclave stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host: enclave stdout pipe: %w", err)
	}
	cmd.Stderr = enclaveStderrLogger{}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("host: start enclave subprocess: %w", err)
	}

	driver := NewDriver(stdout, stdin, cfg.QueueDepth)
	if _, err := driver.BootAnnouncement(); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("host: enclave boot announcement: %w", err)
	}

	health := NewIndexerHealth(DefaultIndexerHealthConfig())
	gateway := NewGateway(driver, results, cfg.QueueDepth, cfg.SessionIdle)
	scanner := NewScanner(driver, txs, results, time.Second, health)
	indexer := NewIndexer(DefaultIndexerConfig(cfg.IndexerURL), txs, health)

	return &Server{
		cfg:     cfg,
		cmd:     cmd,
		driver:  driver,
		gateway: gateway,
		scanner: scanner,
		indexer: indexer,
	}, nil
}

// Run listens on cfg.ListenAddr and runs the gateway, scanner, and indexer
// concurrently until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("host: listen on %s: %w", s.cfg.ListenAddr, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.gateway.Serve(ctx, l); err != nil {
			errs <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.scanner.Run(ctx); err != nil {
			errs <- fmt.Errorf("scanner: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.indexer.Run(ctx); err != nil {
			errs <- fmt.Errorf("indexer: %w", err)
		}
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close terminates the enclave subprocess.
func (s *Server) Close() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// enclaveStderrLogger relays the enclave subprocess's stderr to the host
// log, line-buffering is unnecessary since exec.Cmd already chunks writes.
type enclaveStderrLogger struct{}

func (enclaveStderrLogger) Write(p []byte) (int, error) {
	log.Printf("enclave: %s", p)
	return len(p), nil
}

var _ io.Writer = enclaveStderrLogger{}

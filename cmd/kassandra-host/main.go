package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anoma/kassandra-service/internal/host"
)

func main() {
	cfgPath := os.Getenv("KASSANDRA_HOST_CONFIG")
	cfg, err := host.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-host: load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := host.NewServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-host: %v\n", err)
		os.Exit(1)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kassandra-host: %v\n", err)
		os.Exit(1)
	}
}

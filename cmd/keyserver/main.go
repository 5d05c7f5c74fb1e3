// Command keyserver runs a reference key server that releases IBE user keys
// to members of on-chain groups.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"groupseal/internal/config"
	"groupseal/internal/keyserver"
	"groupseal/internal/logging"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "keyserver.toml", "path to the key server config")
	printPK := flag.Bool("public-key", false, "print the master public key and exit")
	flag.Parse()

	cfg, err := config.LoadKeyServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	master, err := cfg.LoadMasterKey()
	if err != nil {
		logger.Fatal("failed to load master key", zap.Error(err))
	}
	if *printPK {
		pk, err := sealcrypto.MarshalPublicKey(master.PublicKey())
		if err != nil {
			logger.Fatal("failed to encode public key", zap.Error(err))
		}
		fmt.Printf("0x%x\n", pk)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, master, logger); err != nil {
		logger.Error("key server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains in-flight requests.
func run(ctx context.Context, cfg config.KeyServerConfig, master *sealcrypto.MasterKey, logger *zap.Logger) error {
	chain, err := sui.DialRPC(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.RPCURL, err)
	}
	defer chain.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := keyserver.New(keyserver.Config{
		ObjectID:  cfg.ObjectID,
		MasterKey: master,
		Policy:    &keyserver.GroupMembership{Objects: chain},
		Packages:  cfg.Packages,
		Logger:    logger,
		Registry:  registry,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Listen) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}

// enclave runs the secondary context inside a Nitro enclave, serving the delegation
// protocol over vsock. Commits are attested by the Nitro Secure Module.
//
// Settings come from the enclave section of the config file when --config is given.
// ENCLAVE_MAX_WORKERS overrides the worker pool size.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/config"
	"github.com/cloudx-io/adexchange/enclave"
	"github.com/cloudx-io/adexchange/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("enclave", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the exchange YAML config")
	port := flags.Uint32("port", 0, fmt.Sprintf("vsock port to listen on (default %d)", enclave.DefaultPort))
	insecure := flags.Bool("no-attestation", false, "serve without the Nitro Secure Module (testing only)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}
	if *port != 0 {
		cfg.Enclave.Port = *port
	}
	if cfg.Enclave.Port == 0 {
		cfg.Enclave.Port = enclave.DefaultPort
	}
	if _, ok := os.LookupEnv("ENCLAVE_MAX_WORKERS"); ok {
		n, err := getEnvInt("ENCLAVE_MAX_WORKERS")
		if err != nil {
			return err
		}
		cfg.Enclave.MaxWorkers = n
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var attester enclave.EnclaveAttester
	if *insecure {
		log.Warn("running without attestation")
	} else if attester, err = enclave.NewNitroAttester(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime := enclave.NewRuntime(attester, logging.Named(log, "runtime"))
	server := enclave.NewServer(runtime, cfg.Enclave.MaxWorkers, logging.Named(log, "server"))
	log.Info("worker pool initialized", zap.Int("max_workers", cfg.Enclave.MaxWorkers))
	return server.ListenAndServe(ctx, cfg.Enclave.Port)
}

func getEnvInt(name string) (int, error) {
	value := os.Getenv(name)
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, value)
	}
	return n, nil
}

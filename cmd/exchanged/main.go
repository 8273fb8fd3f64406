// exchanged runs the primary context of the ad exchange: the durable store, the HTTP
// API and the delegation coordinator talking to the secondary context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/api/httpserver"
	"github.com/cloudx-io/adexchange/config"
	"github.com/cloudx-io/adexchange/delegation"
	"github.com/cloudx-io/adexchange/enclave"
	"github.com/cloudx-io/adexchange/exchange"
	"github.com/cloudx-io/adexchange/logging"
	"github.com/cloudx-io/adexchange/metrics"
	"github.com/cloudx-io/adexchange/store"
	"github.com/cloudx-io/adexchange/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("exchanged", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the exchange YAML config (default: $"+config.EnvVar+")")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("closing store failed", zap.Error(err))
		}
	}()

	secondary, err := openSecondary(cfg.Secondary, log)
	if err != nil {
		return err
	}

	coordOpts := []delegation.Option{delegation.WithLogger(logging.Named(log, "delegation"))}
	if cfg.Attestation.PCRFile != "" {
		pcrSets, err := validation.LoadPCRsFromFile(cfg.Attestation.PCRFile)
		if err != nil {
			return err
		}
		verifier, err := validation.NewVerifier(pcrSets)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, delegation.WithVerifier(verifier, cfg.Attestation.Require))
		log.Info("commit attestations verified", zap.Int("pcr_sets", len(pcrSets)), zap.Bool("required", cfg.Attestation.Require))
	}
	coordinator := delegation.NewCoordinator(s, secondary, coordOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ex := exchange.New(s, coordinator,
		exchange.WithMetrics(m),
		exchange.WithLogger(logging.Named(log, "exchange")))

	srv := httpserver.New(cfg.HTTP,
		httpserver.Options{Log: logging.Named(log, "http"), Metrics: m, Gatherer: reg},
		httpserver.NewExchangeHandler(ex, logging.Named(log, "api")))
	srv.RunInBackground()

	log.Info("exchange started",
		zap.String("environment", string(cfg.Environment)),
		zap.String("store", cfg.Store.Driver),
		zap.String("secondary", cfg.Secondary.Network))

	<-ctx.Done()
	log.Info("shutting down")
	srv.Shutdown()
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using the in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(ctx, &cfg.Postgres, logging.Named(log, "store"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSecondary(cfg config.SecondaryConfig, log *zap.Logger) (delegation.Secondary, error) {
	switch cfg.Network {
	case "inprocess":
		return enclave.NewRuntime(nil, logging.Named(log, "secondary")), nil
	case "tcp":
		return delegation.NewClient(delegation.TCPDialer(cfg.Address), cfg.Timeout, logging.Named(log, "secondary")), nil
	case "vsock":
		return delegation.NewClient(delegation.VsockDialer(cfg.CID, cfg.Port), cfg.Timeout, logging.Named(log, "secondary")), nil
	default:
		return nil, fmt.Errorf("unknown secondary network %q", cfg.Network)
	}
}

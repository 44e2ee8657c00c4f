package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/sljivkov/pricegate/apis"
	"github.com/sljivkov/pricegate/arbiter"
	"github.com/sljivkov/pricegate/attest"
	"github.com/sljivkov/pricegate/chains"
	"github.com/sljivkov/pricegate/config"
	"github.com/sljivkov/pricegate/fee"
	"github.com/sljivkov/pricegate/handler"
	"github.com/sljivkov/pricegate/pricefeed"
	"github.com/sljivkov/pricegate/store"
	badgerstore "github.com/sljivkov/pricegate/store/badger"
)

func main() {
	var opts []config.Option
	if _, err := os.Stat(".env"); err == nil {
		opts = append(opts, config.WithEnvFile(".env"))
	}

	cfg, err := config.NewConfig(opts...)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg.DbDir)
	if err != nil {
		log.Fatalf("failed to open feed database: %v", err)
	}

	feeds := store.New(backend, arbiter.PublishTime{})
	defer func() {
		if err := feeds.Close(); err != nil {
			log.WithError(err).Warn("failed to close feed store")
		}
	}()

	sources, _ := chains.ParseDataSources(cfg.DataSources)
	keys, _ := cfg.GuardianAddresses()
	registry := chains.NewRegistry(sources...)
	verifier, err := attest.NewGuardianVerifier(
		registry,
		cfg.VerifiedCacheSize,
		attest.GuardianSet{Index: cfg.GuardianSetIndex, Keys: keys},
	)
	if err != nil {
		log.Fatalf("failed to create verifier: %v", err)
	}

	fees, _ := fee.ParseSchedule(cfg.SingleUpdateFee)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := pricefeed.NewService(verifier, feeds, fees, pricefeed.WithMetrics(pricefeed.NewMetrics(reg)))

	if cfg.RelayURL != "" {
		relay := apis.NewRelay(
			cfg.RelayURL,
			cfg.FeedList(),
			cfg.RelayInterval,
			common.HexToAddress(cfg.RelayerAddress),
			service,
		)
		go relay.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.New(service, reg, handler.WithUpdateRateLimit(cfg.UpdateRateLimit, cfg.UpdateBurst)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":    cfg.ListenAddr,
			"sources": len(sources),
			"guards":  len(keys),
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for running := true; running; {
		select {
		case <-hup:
			if err := reloadTrust(registry, verifier, opts...); err != nil {
				log.WithError(err).Error("reload failed, keeping previous trust configuration")
			}
		case <-ctx.Done():
			running = false
		}
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown failed")
	}
}

// openBackend keeps feed records in badger when dir is set, in memory otherwise
func openBackend(dir string) (store.Backend, error) {
	if dir == "" {
		log.Info("no DB_DIR configured, feed records are kept in memory")
		return store.NewMemoryBackend(), nil
	}
	return badgerstore.NewBackend(dir, log.StandardLogger())
}

// reloadTrust re-reads DATA_SOURCES and the guardian set from the
// environment and applies them to the running registry and verifier
func reloadTrust(registry *chains.Registry, verifier *attest.GuardianVerifier, opts ...config.Option) error {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return err
	}

	sources, _ := chains.ParseDataSources(cfg.DataSources)
	keys, _ := cfg.GuardianAddresses()
	if err := verifier.AddGuardianSet(attest.GuardianSet{Index: cfg.GuardianSetIndex, Keys: keys}); err != nil {
		return err
	}
	registry.SetSources(sources)

	log.WithFields(log.Fields{
		"sources":      len(registry.Sources()),
		"guardian_set": cfg.GuardianSetIndex,
	}).Info("trust configuration reloaded")

	return nil
}

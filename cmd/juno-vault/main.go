package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/api"
	"github.com/Abdullah1738/juno-vault/internal/broker"
	"github.com/Abdullah1738/juno-vault/internal/config"
	"github.com/Abdullah1738/juno-vault/internal/ledger"
	"github.com/Abdullah1738/juno-vault/internal/publisher"
	"github.com/Abdullah1738/juno-vault/internal/source"
	"github.com/Abdullah1738/juno-vault/internal/storage"
	"github.com/Abdullah1738/juno-vault/internal/syncer"
)

func main() {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := storage.Open(ctx, storage.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Schema: cfg.DBSchema,
		Path:   cfg.DBPath,
	})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ld, err := ledger.New(st, cfg.Retention)
	if err != nil {
		log.Fatalf("ledger init: %v", err)
	}

	cache, err := source.OpenCache(cfg.CachePath)
	if err != nil {
		log.Fatalf("open block cache: %v", err)
	}
	defer func() { _ = cache.Close() }()

	sy, err := syncer.New(st, ld, cache, cfg.BirthdayHeight, cfg.PollInterval)
	if err != nil {
		log.Fatalf("syncer init: %v", err)
	}
	go func() {
		if err := sy.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("syncer stopped: %v", err)
			cancel()
		}
	}()

	br, err := broker.Open(ctx, broker.Config{
		Driver: cfg.BrokerDriver,
		URL:    cfg.BrokerURL,
		Topic:  cfg.BrokerTopic,
	})
	if err != nil {
		log.Fatalf("broker init: %v", err)
	}
	if br != nil {
		defer func() { _ = br.Close() }()

		pub, err := publisher.New(st, br, publisher.Config{
			PollInterval: cfg.BrokerPollInterval,
			BatchSize:    cfg.BrokerBatchSize,
		})
		if err != nil {
			log.Fatalf("publisher init: %v", err)
		}
		go func() {
			if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("publisher stopped: %v", err)
				cancel()
			}
		}()
	}

	var opts []api.Option
	if cfg.APIToken != "" {
		opts = append(opts, api.WithBearerToken(cfg.APIToken))
	}
	apiServer, err := api.New(st, ld, opts...)
	if err != nil {
		log.Fatalf("api init: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http: %v", err)
	}
}

package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/storyloom/gengate/internal/backend"
	"github.com/storyloom/gengate/internal/config"
	"github.com/storyloom/gengate/internal/dispatcher"
	"github.com/storyloom/gengate/internal/governor"
	"github.com/storyloom/gengate/internal/httpserver"
	"github.com/storyloom/gengate/internal/ledger"
	ledgerasync "github.com/storyloom/gengate/internal/ledger/async"
	ledgerpg "github.com/storyloom/gengate/internal/ledger/postgres"
	ledgersql "github.com/storyloom/gengate/internal/ledger/sqlite"
	"github.com/storyloom/gengate/internal/logging"
	"github.com/storyloom/gengate/internal/metrics"
	"github.com/storyloom/gengate/internal/relay"
	"github.com/storyloom/gengate/internal/transport"
	"github.com/storyloom/gengate/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	if target := strings.TrimSpace(cfg.LogFile); target != "" && target != "-" {
		rot, err := logging.NewRotatingWriter(target, cfg.LogMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[gengated] ")
	log.Printf("starting %s env=%s", version.FullInfo(), cfg.Environment)

	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		log.Fatalf("load credentials: %v", err)
	}
	gov, err := governor.New(creds, governor.Config{
		RequestsPerMinute: cfg.DefaultRPM,
		RequestsPerDay:    cfg.DefaultRPD,
		RateLimitBackoff:  cfg.RateLimitPause,
		TransientBackoff:  cfg.TransientPause,
		BackoffCeiling:    cfg.BackoffCeiling,
		Logger:            log.Default(),
	})
	if err != nil {
		log.Fatalf("init governor: %v", err)
	}
	log.Printf("credential pool loaded count=%d rpm=%d rpd=%d", len(creds), cfg.DefaultRPM, cfg.DefaultRPD)

	var broker transport.Broker
	switch cfg.BrokerKind {
	case "badger":
		b, err := transport.NewBadgerBroker(transport.BadgerOptions{
			Dir:       cfg.BadgerDir,
			Retention: cfg.Retention,
		})
		if err != nil {
			log.Fatalf("open badger broker: %v", err)
		}
		broker = b
		log.Printf("stream broker=badger dir=%s retention=%s", cfg.BadgerDir, cfg.Retention)
	default:
		broker = transport.NewMemoryBroker(transport.MemoryOptions{Retention: cfg.Retention})
		log.Printf("stream broker=memory retention=%s", cfg.Retention)
	}
	defer broker.Close()

	var ledgerStore ledger.Store
	switch cfg.LedgerKind {
	case "sqlite":
		ledgerStore, err = ledgersql.New(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("open sqlite ledger: %v", err)
		}
	case "postgres":
		ledgerStore, err = ledgerpg.New(cfg.LedgerDSN, cfg.LedgerMaxOpen, cfg.LedgerMaxIdle, cfg.LedgerConnMaxLife)
		if err != nil {
			log.Fatalf("open postgres ledger: %v", err)
		}
	}
	if ledgerStore != nil && cfg.LedgerAsync {
		ledgerStore = ledgerasync.New(ledgerStore, ledgerasync.Config{Logger: log.Default()})
	}
	if ledgerStore != nil {
		defer ledgerStore.Close()
		log.Printf("attempt ledger=%s async=%v", cfg.LedgerKind, cfg.LedgerAsync)
	}

	generator, err := backend.NewClient(backend.Config{
		BaseURL:        cfg.BackendBaseURL,
		Model:          cfg.BackendModel,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("init backend client: %v", err)
	}

	collector := metrics.NewCollector()

	disp, err := dispatcher.New(dispatcher.Options{
		Governor:       gov,
		Generator:      generator,
		Broker:         broker,
		Ledger:         ledgerStore,
		Metrics:        collector,
		Logger:         log.Default(),
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxAttempts:    cfg.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("init dispatcher: %v", err)
	}

	httpSrv, err := httpserver.New(httpserver.Options{
		Dispatcher: disp,
		Relay: relay.New(broker, relay.Options{
			StreamTimeout: cfg.StreamTimeout,
			Metrics:       collector,
			Logger:        log.Default(),
		}),
		Governor: gov,
		Ledger:   ledgerStore,
		Metrics:  collector,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams stay open past any fixed bound; the
		// relay's delivery deadline ends them instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := disp.Close(); err != nil {
		log.Printf("dispatcher close failed: %v", err)
	}
}

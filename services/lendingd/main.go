package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lendpool/core/events"
	"lendpool/native/bank"
	nativecommon "lendpool/native/common"
	nativelending "lendpool/native/lending"
	"lendpool/observability"
	"lendpool/observability/logging"
	telemetry "lendpool/observability/otel"
	"lendpool/services/lending"
	"lendpool/services/lending/journal"
	lendingserver "lendpool/services/lending/server"
	"lendpool/services/lendingd/config"
	"lendpool/services/lendingd/genesis"
	lendingstate "lendpool/state/lending"
	"lendpool/storage"
)

func main() {
	var cfgPath, exportPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.StringVar(&exportPath, "export-events", "", "write the event journal to this parquet file and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := strings.TrimSpace(os.Getenv("LENDPOOL_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "lendingd",
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()
	logger.Info("configuration loaded", "config", cfg.Sanitized())

	db, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	ledger := bank.NewLedger(db)
	engine := nativelending.NewEngine(lendingstate.NewStore(db, ledger), ledger)
	engine.SetPauses(nativecommon.NewPauses(cfg.Paused...))

	hub := lendingserver.NewHub(0)
	emitters := events.Fanout{observability.Events(), hub}
	var archive *journal.Journal
	if cfg.Journal.DSN != "" {
		gdb, err := journal.Open(cfg.Journal.DSN)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		archive = journal.New(gdb, logger)
		emitters = append(emitters, archive)
	}
	engine.SetEmitter(emitters)

	if exportPath != "" {
		if archive == nil {
			log.Fatalf("export-events requires journal.dsn")
		}
		if _, err := archive.Export(context.Background(), exportPath, journal.Filter{}); err != nil {
			log.Fatalf("export events: %v", err)
		}
		return
	}

	var prices *lending.PriceBook
	if cfg.Oracle.Enabled {
		prices = lending.NewPriceBook()
		engine.SetPriceFeed(prices, uint64(cfg.Oracle.MaxAge/time.Second))
	}

	if cfg.GenesisPath != "" {
		file, err := genesis.Load(cfg.GenesisPath)
		if err != nil {
			log.Fatalf("load genesis: %v", err)
		}
		var setter genesis.PriceSetter
		if prices != nil {
			setter = prices
		}
		applied, err := file.Apply(context.Background(), db, ledger, engine, setter)
		if err != nil {
			log.Fatalf("apply genesis: %v", err)
		}
		logger.Info("genesis processed", "applied", applied, "pools", len(file.Pools))
	}

	tlsCfg, err := lendingserver.TLSConfig(lendingserver.TLSSettings{
		CertFile:         cfg.TLS.CertPath,
		KeyFile:          cfg.TLS.KeyPath,
		ClientCAFile:     cfg.TLS.ClientCAPath,
		AllowInsecure:    cfg.TLS.AllowInsecure,
		AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
	})
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	api := lendingserver.New(lending.New(engine, logger), lendingserver.Config{
		Ledger:           ledger,
		Journal:          archive,
		Stream:           hub,
		Prices:           prices,
		OracleIdentities: cfg.Oracle.Identities,
		Auth: lendingserver.NewAuthenticator(lendingserver.AuthConfig{
			APITokens:  cfg.Auth.APITokens,
			HMACSecret: cfg.Auth.JWT.HMACSecret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			ClockSkew:  cfg.Auth.JWT.ClockSkew,
		}, logger),
		RateLimiter: lendingserver.NewRateLimiter(lendingserver.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	})
	httpServer := &http.Server{
		Handler:           api.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve http", "error", err)
			os.Exit(1)
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	if cfg.Path == "" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(cfg.Path)
}

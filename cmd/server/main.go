package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/gosocial/internal/api"
	"github.com/npezzotti/gosocial/internal/bus"
	"github.com/npezzotti/gosocial/internal/config"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/logger"
	"github.com/npezzotti/gosocial/internal/server"
	"github.com/npezzotti/gosocial/internal/stats"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	envFile        string
	addr           string
	dsn            string
	store          string
	badgerDir      string
	signingKey     string
	redisURL       string
	logLevel       string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	flag.StringVar(&addr, "addr", "", "server address")
	flag.StringVar(&dsn, "dsn", "", "postgres connection string")
	flag.StringVar(&store, "store", "", "message store: postgres or badger")
	flag.StringVar(&badgerDir, "badger-dir", "", "badger data directory, in-memory when empty")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.StringVar(&redisURL, "redis-url", "", "redis url for multi-instance fan-out")
	flag.StringVar(&logLevel, "log-level", "", "log level")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("server exited", "err", err)
	}
}

// loadConfig layers explicitly set flags over the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ServerAddr = addr
		case "dsn":
			cfg.DatabaseDSN = dsn
		case "store":
			cfg.Store = store
		case "badger-dir":
			cfg.BadgerDir = badgerDir
		case "signing-key":
			cfg.SigningSecret = signingKey
		case "redis-url":
			cfg.RedisURL = redisURL
		case "log-level":
			cfg.LogLevel = logLevel
		case "allowed-origins":
			cfg.AllowedOrigins = allowedOrigins
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func openStore(cfg *config.Config, log *zap.SugaredLogger) (database.ChatRepository, error) {
	switch cfg.Store {
	case config.StoreBadger:
		db, err := database.NewBadgerChatRepository(cfg.BadgerDir, log.Named("badger"))
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}

		if cfg.Migrate {
			if err := db.Migrate(); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}

		return db, nil
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	db, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorw("db close", "err", err)
		}
	}()
	log.Infow("opened store", "store", cfg.Store)

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	opts := server.Options{
		TypingTimeout: cfg.TypingTimeout,
		EventRate:     cfg.EventRate,
		EventBurst:    cfg.EventBurst,
	}

	if cfg.RedisURL != "" {
		relay, err := bus.NewRedisBus(cfg.RedisURL, uuid.NewString(), log.Named("bus"))
		if err != nil {
			return fmt.Errorf("redis bus: %w", err)
		}
		opts.Relay = relay
	}

	chatServer, err := server.NewChatServer(log.Named("chat"), db, statsUpdater, opts)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatServer.Start(ctx); err != nil {
		return err
	}

	srv := api.NewGoChatApp(mux, log.Named("api"), chatServer, db, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		log.Errorw("server", "err", err)
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		log.Errorw("HTTP server shutdown", "err", err)
	}

	log.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

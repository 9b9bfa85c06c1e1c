// ABOUTME: serve command wiring config, stores, ceremony engine and HTTP server
// ABOUTME: Selects Redis or in-memory KV and optionally publishes security events to a Redis stream

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/forum-auth/internal/auth"
	"github.com/2389/forum-auth/internal/ceremony"
	"github.com/2389/forum-auth/internal/challenge"
	"github.com/2389/forum-auth/internal/config"
	"github.com/2389/forum-auth/internal/kv"
	"github.com/2389/forum-auth/internal/passkey"
	"github.com/2389/forum-auth/internal/server"
	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

// memorySweepInterval is how often the in-memory KV drops expired entries.
const memorySweepInterval = time.Minute

func serveCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configFlag)
		},
	}
}

// loadConfig loads the resolved config file. A missing file at the default
// location falls back to development defaults; a missing explicit file is
// an error.
func loadConfig(configFlag string) (*config.Config, string, error) {
	path := config.ResolvePath(configFlag)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if configFlag == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context, configFlag string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(configFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("KV:        ")
	if cfg.Redis.URL != "" {
		cyan.Println("redis")
	} else {
		yellow.Println("in-memory (single instance only)")
	}
	if cfg.Events.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Events:    %s\n", cfg.Events.Topic)
	}
	fmt.Println()

	logger.Info("starting forum-auth",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// build wires every component. Backends opened here are closed by the
// server on shutdown, or here if a later step fails.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *server.Server, err error) {
	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	cleanups = append(cleanups, func() { _ = db.Close() })

	var kvStore kv.Store
	var redisStore *kv.RedisStore
	if cfg.Redis.URL != "" {
		redisStore, err = kv.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		kvStore = redisStore
	} else {
		kvStore = kv.NewMemoryStore(memorySweepInterval)
	}
	cleanups = append(cleanups, func() { _ = kvStore.Close() })

	var events *ceremony.EventPublisher
	var publisher *redisstream.Publisher
	if cfg.Events.Enabled {
		publisher, err = redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisStore.Client()},
			watermill.NewSlogLogger(logger.With("component", "watermill")),
		)
		if err != nil {
			return nil, fmt.Errorf("creating event publisher: %w", err)
		}
		cleanups = append(cleanups, func() { _ = publisher.Close() })
		events = ceremony.NewEventPublisher(publisher, cfg.Events.Topic, logger)
	}

	verifier, err := passkey.New(passkey.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		BaseURL:       cfg.WebAuthn.BaseURL,
		Timeout:       cfg.Ceremony.ChallengeTTL,
		Logger:        logger.With("component", "passkey"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("webauthn configured", "rp_id", verifier.RPID(), "origins", verifier.Origins())

	sessions := session.NewStore(kvStore, session.TTLs{
		User:  cfg.Sessions.UserTTL,
		Admin: cfg.Sessions.AdminTTL,
	}, logger)

	engine := ceremony.New(ceremony.Deps{
		Identities:  db,
		Credentials: db,
		Ledger:      challenge.NewLedger(kvStore, cfg.Ceremony.ChallengeTTL, logger),
		Sessions:    sessions,
		Verifier:    verifier,
		Events:      events,
		Logger:      logger,
	})

	gateway := auth.NewGateway(sessions, db, logger.With("component", "auth"))

	srv := server.New(server.Config{
		HTTPAddr:        cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, engine, sessions, gateway, logger)

	// Publisher before the Redis client it shares, store last.
	if publisher != nil {
		srv.OnShutdown("event publisher", publisher)
	}
	srv.OnShutdown("kv", kvStore)
	srv.OnShutdown("store", db)

	return srv, nil
}

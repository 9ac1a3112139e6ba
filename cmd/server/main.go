package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JrmLg/hermes-back/internal/access"
	"github.com/JrmLg/hermes-back/internal/api"
	"github.com/JrmLg/hermes-back/internal/attachment"
	"github.com/JrmLg/hermes-back/internal/chat"
	"github.com/JrmLg/hermes-back/internal/config"
	"github.com/JrmLg/hermes-back/internal/database"
	"github.com/JrmLg/hermes-back/internal/messagelog"
	"github.com/JrmLg/hermes-back/internal/readstate"
	"github.com/JrmLg/hermes-back/internal/realtime"
	"github.com/JrmLg/hermes-back/internal/stats"
	"github.com/JrmLg/hermes-back/internal/timeline"
	"github.com/JrmLg/hermes-back/internal/unread"
	"github.com/dgraph-io/badger/v4"
)

func main() {
	logger := log.New(os.Stderr, "[hermes] ", log.LstdFlags)

	envFile := os.Getenv("HERMES_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	cfg, err := config.Load(envFile, os.Args[1:])
	if err != nil {
		logger.Fatal("config: ", err)
	}

	if err := database.Migrate(cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate: ", err)
	}

	repo, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	kv, err := badger.Open(badger.DefaultOptions(cfg.BadgerDir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		logger.Fatal("badger open: ", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Println("badger close:", err)
		}
	}()

	messages, err := messagelog.New(kv, logger)
	if err != nil {
		logger.Fatal("message log: ", err)
	}

	var reads chat.ReadStateStore = repo.ReadStates()
	if cfg.ReadStateBackend == config.ReadStateBadger {
		reads = readstate.NewStore(kv, logger)
	}

	linker, err := attachment.NewLinker(kv, cfg.AttachmentDir, cfg.AttachmentMaxBytes, logger)
	if err != nil {
		logger.Fatal("attachments: ", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	svc := chat.NewService(chat.Deps{
		Authorizer: access.NewAuthorizer(repo, logger),
		Messages:   messages,
		ReadStates: reads,
		Pages:      timeline.NewPaginator(messages),
		Aggregator: unread.NewAggregator(messages, reads, unread.Options{
			Concurrency: cfg.AggregateConcurrency,
			RoomTimeout: cfg.AggregateRoomTimeout,
		}, logger, statsUpdater),
		Directory: repo,
		Files:     linker,
		Stats:     statsUpdater,
		Log:       logger,
	})

	hub := realtime.NewHub(logger, svc, statsUpdater)
	svc.SetNotifier(hub)

	srv := api.NewServer(mux, logger, svc, hub, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down realtime hub...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Println("hub shutdown:", err)
	}

	logger.Println("shutdown complete")
}

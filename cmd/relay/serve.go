package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/collabrio/relay/internal/ai"
	"github.com/collabrio/relay/internal/config"
	"github.com/collabrio/relay/internal/game"
	"github.com/collabrio/relay/internal/gateway"
	"github.com/collabrio/relay/internal/imagecache"
	"github.com/collabrio/relay/internal/server"
	"github.com/collabrio/relay/internal/session"
	"github.com/collabrio/relay/internal/store"
	"github.com/collabrio/relay/internal/transfer"
	"github.com/collabrio/relay/internal/watcher"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Start the WebSocket gateway and the HTTP API, and keep serving
until SIGINT or SIGTERM.

All settings come from the environment (RELAY_ prefix) with an
optional relay.yaml in the working directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger()
	logger.Info("starting relay", "version", version, "commit", commit)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	st, err := store.NewSQLStore(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry(st, logger)

	transfers := transfer.NewEngine(transfer.Config{
		MaxFileSize:       cfg.MaxFileSize,
		ChunkSize:         cfg.ChunkSize,
		TTL:               cfg.FileTTL,
		MaxUploadsPerUser: cfg.MaxUploadsPerUser,
		UploadWindow:      cfg.UploadWindow,
	}, logger)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	images := imagecache.New(st, blobs, cfg.MaxCachedImages, logger)

	metrics := server.NewMetrics()

	hub := gateway.NewHub(gateway.Config{
		ValidSchoolNumbers: cfg.ValidSchoolNumbers,
		MaxDocumentChars:   cfg.MaxDocumentChars,
		PersistDebounce:    cfg.PersistDebounce,
		HeartbeatInterval:  cfg.HeartbeatInterval,
	}, registry, transfers, images, metrics, logger)

	hub.SetGameManager(game.NewManager(game.Config{}, hub, logger))

	if cfg.AIAPIKey != "" {
		client := ai.NewClient(cfg.AIAPIKey, logger,
			ai.WithBaseURL(cfg.AIBaseURL),
			ai.WithModel(cfg.AIModel))
		hub.SetAIService(ai.NewService(client, registry, hub, logger))
	} else {
		logger.Warn("no AI API key configured, AI features disabled")
	}

	w := watcher.NewWatcher(watcher.Config{Dir: cfg.MessageDir}, logger)
	w.OnMessage(func(m watcher.Message) {
		if !hub.InjectText(m.SessionID, m.Text, m.Type, "file-watcher", m.Source) {
			logger.Warn("message file for unknown session",
				"session", m.SessionID, "source", m.Source)
		}
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start message watcher: %w", err)
	}
	defer w.Stop()

	srv := server.New(cfg, server.Deps{
		Registry:  registry,
		Transfers: transfers,
		Images:    images,
		Store:     st,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger,
	})
	return srv.Run(ctx)
}

// newBlobStore builds the image blob backend: local disk by default,
// S3 when configured.
func newBlobStore(ctx context.Context, cfg *config.Config) (imagecache.BlobStore, error) {
	if cfg.ImageCacheBackend != "s3" {
		disk, err := imagecache.NewDiskStore(cfg.ImageCacheDir)
		if err != nil {
			return nil, err
		}
		return disk, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return imagecache.NewS3Store(client, cfg.ImageCacheS3Bucket, cfg.ImageCacheS3Prefix), nil
}

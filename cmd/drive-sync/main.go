package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/inbox"
	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.IsProduction())
	logger.Info("drive-sync starting",
		slog.String("version", Version),
		slog.String("identity", cfg.IdentityHost),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runSync(gctx, cfg, logger)
	})

	return g.Wait()
}

// runSync wires the drive client, local store, and synchronization
// pipeline, then runs the pipeline until shutdown.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sessionSecret, err := cfg.DecodeSessionSecret()
	if err != nil {
		return err
	}

	sharedSecret, err := drive.DeriveSharedSecret(sessionSecret)
	if err != nil {
		return fmt.Errorf("deriving shared secret: %w", err)
	}

	notifyKey, err := drive.DeriveNotifyAuthKey(sessionSecret)
	if err != nil {
		return fmt.Errorf("deriving notify auth key: %w", err)
	}

	client, err := drive.NewClient("https://"+cfg.IdentityHost+"/api/apps/v1", sharedSecret, nil, logger)
	if err != nil {
		return fmt.Errorf("creating drive client: %w", err)
	}

	fetcher, err := drive.NewFileFetcher(client)
	if err != nil {
		return fmt.Errorf("creating file fetcher: %w", err)
	}

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	chatDrive := drive.TargetDrive{
		Alias: cfg.ChatDriveAlias,
		Type:  cfg.ChatDriveType,
	}

	subs, err := cfg.LoadDriveSubscriptions()
	if err != nil {
		return err
	}

	// Extra subscriptions ride on the notify socket alongside the chat
	// drive; only the chat drive's files are reconciled.
	extraDrives := make([]drive.TargetDrive, 0, len(subs))

	for _, sub := range subs {
		extraDrives = append(extraDrives, drive.TargetDrive{Alias: sub.Alias, Type: sub.Type})
		logger.Info("configured drive subscription",
			slog.String("name", sub.Name),
			slog.String("alias", sub.Alias),
		)
	}

	commands := inbox.NewCommandProcessor(client, store, chatDrive, logger)
	pipeline := inbox.NewPipeline(client, commands, chatDrive, cfg.InboxBatchSize, logger)

	pipeline.AttachReconciler(inbox.ReconcilerConfig{
		Host:        cfg.IdentityHost,
		AuthToken:   hex.EncodeToString(notifyKey),
		Target:      chatDrive,
		Fetcher:     fetcher,
		Store:       store,
		ExtraDrives: extraDrives,
		OnConversationChanged: func(conversationID string) {
			logger.Debug("conversation changed", slog.String("conversation_id", conversationID))
		},
		OnOrphan: func(conversationID, fileID string) {
			logger.Warn("orphaned message detected",
				slog.String("conversation_id", conversationID),
				slog.String("file_id", fileID),
			)
		},
	}, logger)

	logger.Info("pipeline starting", slog.String("drive", chatDrive.String()))

	return pipeline.Run(ctx)
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haztrack/surveysync/internal/agent/capture"
	"github.com/haztrack/surveysync/internal/agent/cli"
	"github.com/haztrack/surveysync/internal/agent/config"
	"github.com/haztrack/surveysync/internal/agent/conn"
	"github.com/haztrack/surveysync/internal/agent/services"
	"github.com/haztrack/surveysync/internal/agent/store"
	agentsync "github.com/haztrack/surveysync/internal/agent/sync"
	syncqueue "github.com/haztrack/surveysync/internal/agent/sync/queue"
	"github.com/haztrack/surveysync/internal/agent/transport"
	"github.com/haztrack/surveysync/internal/agent/upload"
	"github.com/haztrack/surveysync/internal/buildinfo"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/logging"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	cfg := config.LoadConfig()
	logger := logging.NewAgentLogger(cfg.LogPath, slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		if errors.Is(err, common.ErrStorageUnavailable) {
			log.Fatalf("offline capture unavailable: %v", err)
		}
		log.Fatalf("%v", err)
	}
	defer st.Close()

	client := transport.NewHTTPClient(cfg.ServerEndpointAddr, cfg.RequestTimeout, logger)

	blobStore, err := upload.NewS3ObjectStore(ctx, upload.S3Config{
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		BaseEndpoint: cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	queue := syncqueue.New(st.DB(), syncqueue.Config{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxRetries: cfg.MaxRetries,
		Jitter:     0.2,
	})
	pipeline := upload.NewPipeline(st.Photos(nil), blobStore, logger)
	orch := agentsync.NewOrchestrator(st, queue, client, pipeline, logger, agentsync.Config{
		FanOut: cfg.SyncFanOut,
	})
	watcher := conn.NewWatcher(client, cfg.OnlineCheckInterval, orch.NotifyConnectivityRestored, logger)

	svc := services.NewSurveyService(st, queue, capture.NewIngestor(logger), orch, logger)

	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "sync loop stopped", "error", err)
		}
	}()
	go watcher.Run(ctx)

	app := cli.NewApp(cfg, svc, orch, watcher, client, logger)
	app.Run(ctx)
}

// Command shipper tails local log files and ships their lines to Loki
// through the lokiship pipeline. It is a minimal host around the library:
// file discovery, tailing, stats reporting and graceful shutdown.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hpcloud/tail"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/mkarev/lokiship"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config := getConfig()

	builder := lokiship.NewBuilder().
		Label("job", config.Job).
		Label("host", config.Hostname).
		FlushInterval(config.FlushInterval).
		MaxBatchBytes(config.MaxBatchBytes).
		MaxRetries(config.MaxRetries).
		QueueCapacity(config.QueueSize).
		DrainTimeout(config.DrainTimeout).
		Logger(logger)
	if config.TenantID != "" {
		builder = builder.HTTPHeader("X-Scope-OrgID", config.TenantID)
	}

	shipper, task, err := builder.BuildURL(config.LokiURL)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := task.Controller()
	go task.Run(ctx)
	go reportStats(ctx, logger, shipper)
	go reportDrops(ctx, logger, shipper)

	files, err := discoverLogFiles(config.LogRootPath)
	if err != nil {
		logger.Fatal("failed to discover log files", zap.Error(err))
	}
	logger.Info("starting shipper",
		zap.String("loki_url", config.LokiURL),
		zap.Int("files", len(files)))

	var wg sync.WaitGroup
	for _, file := range files {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			tailFile(ctx, logger, shipper, path)
		}(file)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
	logger.Info("received shutdown signal")

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DrainTimeout+5*time.Second)
	defer shutdownCancel()
	if err := ctrl.ShutdownAndWait(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete", zap.Error(err))
	}
	logger.Info("shipper stopped")
}

func tailFile(ctx context.Context, logger *zap.Logger, shipper *lokiship.Shipper, path string) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		logger.Error("failed to tail file", zap.String("file", path), zap.Error(err))
		return
	}
	defer t.Cleanup()

	labels := model.LabelSet{"file": model.LabelValue(filepath.Base(path))}
	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				logger.Warn("error reading file", zap.String("file", path), zap.Error(line.Err))
				continue
			}
			err := shipper.Enqueue(lokiship.Record{
				Level:   lokiship.LevelInfo,
				Labels:  labels,
				Message: line.Text,
			})
			if err != nil {
				logger.Warn("record dropped", zap.String("file", path), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func reportStats(ctx context.Context, logger *zap.Logger, shipper *lokiship.Shipper) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := shipper.Stats()
			logger.Info("pipeline stats",
				zap.Int("enqueued", stats.Enqueued),
				zap.Int("dropped_queue_full", stats.DroppedQueueFull),
				zap.Int("batches_sent", stats.BatchesSent),
				zap.Int("entries_sent", stats.EntriesSent),
				zap.Int("send_failures", stats.SendFailures),
				zap.Int("retries", stats.Retries))
		case <-ctx.Done():
			return
		}
	}
}

func reportDrops(ctx context.Context, logger *zap.Logger, shipper *lokiship.Shipper) {
	for {
		select {
		case drop := <-shipper.Drops():
			logger.Error("batch dropped",
				zap.String("reason", drop.Reason.String()),
				zap.String("stream", drop.Stream),
				zap.Int("entries", drop.Entries),
				zap.Error(drop.Err))
		case <-ctx.Done():
			return
		}
	}
}

func discoverLogFiles(root string) ([]string, error) {
	var logFiles []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// ------------------------------------  code for reading config -----------------------------------------------------

type AppConfig struct {
	LokiURL       string
	LogRootPath   string
	Job           string
	Hostname      string
	TenantID      string
	FlushInterval time.Duration
	MaxBatchBytes int
	MaxRetries    int
	QueueSize     int
	DrainTimeout  time.Duration
}

func getConfig() AppConfig {
	hostname, _ := os.Hostname()
	return AppConfig{
		LokiURL:       getEnv("LOKI_URL", "http://loki:3100"),
		LogRootPath:   getEnv("LOG_PATH", "/var/log"),
		Job:           getEnv("JOB_NAME", "shipper"),
		Hostname:      getEnv("HOSTNAME", hostname),
		TenantID:      getEnv("TENANT_ID", ""),
		FlushInterval: getEnvAsDuration("FLUSH_INTERVAL", 5*time.Second),
		MaxBatchBytes: getEnvAsInt("MAX_BATCH_BYTES", 1<<20),
		MaxRetries:    getEnvAsInt("MAX_RETRIES", 3),
		QueueSize:     getEnvAsInt("QUEUE_SIZE", 512),
		DrainTimeout:  getEnvAsDuration("DRAIN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

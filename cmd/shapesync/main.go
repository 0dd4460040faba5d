package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shapesync/internal/mirror"
	"github.com/agentworkforce/shapesync/internal/shapesync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SHAPESYNC_BASE_URL", "http://127.0.0.1:8080"), "sync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SHAPESYNC_TOKEN")), "bearer token")
	tables := flag.String("tables", envOrDefault("SHAPESYNC_TABLES", "projects"), "comma-separated tables to mirror")
	params := flag.String("params", strings.TrimSpace(os.Getenv("SHAPESYNC_PARAMS")), "shape parameters as k=v pairs, comma-separated")
	snapshotDSN := flag.String("snapshot-dsn", strings.TrimSpace(os.Getenv("SHAPESYNC_SNAPSHOT_DSN")), "snapshot backend DSN (memory://, file://dir, sqlite://path)")
	readyTimeout := flag.Duration("ready-timeout", durationEnv("SHAPESYNC_READY_TIMEOUT", 0), "live readiness timeout before falling back")
	pollInterval := flag.Duration("poll-interval", durationEnv("SHAPESYNC_POLL_INTERVAL", 0), "fallback polling interval")
	statusInterval := flag.Duration("status-interval", durationEnv("SHAPESYNC_STATUS_INTERVAL", 10*time.Second), "mirror status log interval")
	debug := flag.Bool("debug", boolEnv("SHAPESYNC_DEBUG", false), "enable debug logging")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or SHAPESYNC_TOKEN)")
	}
	tableNames := splitList(*tables)
	if len(tableNames) == 0 {
		log.Fatalf("at least one table is required (--tables or SHAPESYNC_TABLES)")
	}
	shapeParams, err := parseParams(*params)
	if err != nil {
		log.Fatalf("invalid --params: %v", err)
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	sc, err := shapesync.NewSyncContext(shapesync.SyncContextOptions{
		BaseURL:      *baseURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Tokens:       shapesync.NewStaticTokenProvider(*token),
		SnapshotDSN:  *snapshotDSN,
		ReadyTimeout: *readyTimeout,
		PollInterval: *pollInterval,
		Logger:       sugar,
	})
	if err != nil {
		log.Fatalf("failed to initialize sync context: %v", err)
	}
	defer func() { _ = sc.Close() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type mount struct {
		coll  *shapesync.Collection
		store *mirror.MemStore
	}
	mounts := make([]mount, 0, len(tableNames))
	for _, table := range tableNames {
		coll, err := sc.Collection(table, shapeParams, nil)
		if err != nil {
			log.Fatalf("failed to build collection for %s: %v", table, err)
		}
		store := mirror.NewMemStore()
		if err := coll.Sync(rootCtx, store); err != nil {
			log.Fatalf("failed to start sync for %s: %v", table, err)
		}
		sugar.Infow("mirror started", "collection", coll.ID(), "source", coll.SourceKey())
		mounts = append(mounts, mount{coll: coll, store: store})
	}
	defer func() {
		for _, m := range mounts {
			m.coll.Cleanup()
		}
	}()

	ticker := time.NewTicker(*statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			sugar.Infow("shutting down")
			return
		case <-ticker.C:
			for _, m := range mounts {
				sugar.Infow("mirror status",
					"collection", m.coll.ID(),
					"mode", m.coll.Mode().String(),
					"ready", m.store.IsReady(),
					"rows", m.store.Len(),
				)
			}
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseParams(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	params := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected k=v, got %q", pair)
		}
		params[name] = value
	}
	return params, nil
}

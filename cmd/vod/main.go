package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"vod-engine/internal/acquire"
	"vod-engine/internal/catalog"
	"vod-engine/internal/config"
	"vod-engine/internal/content"
	"vod-engine/internal/httpapi"
	"vod-engine/internal/janitor"
	"vod-engine/internal/metrics"
	"vod-engine/internal/subtitles"
	"vod-engine/internal/watch"
)

func openStore() (content.Store, error) {
	switch config.ContentBackend() {
	case "bolt":
		return content.OpenBolt(filepath.Join(config.OfflineRoot(), "content.db"), int(config.DownloadChunkBytes()))
	case "fs", "":
		return content.NewFS(filepath.Join(config.OfflineRoot(), "content"))
	default:
		return nil, fmt.Errorf("unknown CONTENT_BACKEND %q", config.ContentBackend())
	}
}

// dbTarget picks the sql driver and dsn shared by the index and the
// progress store.
func dbTarget() (driver, dsn string) {
	if config.IndexBackend() == "postgres" {
		return "pgx", config.PGDSN()
	}
	p := config.SQLitePath()
	if p == "" {
		p = filepath.Join(config.OfflineRoot(), "vod.sqlite")
	}
	return "sqlite", p
}

func openIndex(ctx context.Context) (catalog.Index, error) {
	switch config.IndexBackend() {
	case "json", "":
		return catalog.NewJSONIndex(filepath.Join(config.OfflineRoot(), "index.json"))
	case "sqlite", "postgres":
		driver, dsn := dbTarget()
		if dsn == "" {
			return nil, errors.New("PG_DSN missing")
		}
		return catalog.OpenSQLIndex(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unknown INDEX_BACKEND %q", config.IndexBackend())
	}
}

func main() {
	_ = godotenv.Load(".env")

	config.Load()
	metrics.RegisterLogFilter(config.SetupLogging())

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		log.Fatalf("[boot] content store: %v", err)
	}
	index, err := openIndex(rootCtx)
	if err != nil {
		log.Fatalf("[boot] index: %v", err)
	}
	cat := catalog.New(index, store)
	defer func() { _ = cat.Close() }()

	driver, dsn := dbTarget()
	progress, err := watch.OpenStore(rootCtx, driver, dsn)
	if err != nil {
		log.Printf("[boot] progress store disabled: %v", err)
	} else {
		defer func() { _ = progress.Close() }()
	}

	torrents := &acquire.TorrentFetcher{DataDir: config.TorrentDataRoot(), WaitInfo: config.WaitMetadata()}
	defer torrents.Close()
	router := acquire.Router{
		"http":   acquire.HTTPFetcher{},
		"https":  acquire.HTTPFetcher{},
		"file":   acquire.FileFetcher{Root: config.OfflineRoot()},
		"magnet": torrents,
	}

	pipeline := acquire.NewPipeline(router, store, cat)
	pipeline.ChunkBytes = int(config.DownloadChunkBytes())
	pipeline.RateLimit = config.DownloadRateLimit()
	pipeline.Timeout = config.DownloadTimeout()
	g, ctx := errgroup.WithContext(rootCtx)
	tasks := acquire.NewTasks(ctx, pipeline, acquire.NewDispatcher())

	subs := &subtitles.Loader{
		Dir:         config.SubtitleDir(),
		URLTemplate: config.SubtitleURLTemplate(),
		TTL:         config.SubtitleCacheTTL(),
	}

	deps := httpapi.Deps{
		Catalog:    cat,
		Tasks:      tasks,
		Fetcher:    router,
		Progress:   progress,
		Subtitles:  subs,
		StaleAfter: config.SessionStaleAfter(),
		ReapEvery:  config.SessionReapEvery(),
		HideAfter:  config.ControlsHideAfter(),
		SaveEvery:  config.ProgressSaveEvery(),
	}
	api := httpapi.New(deps)

	jan := &janitor.Janitor{
		Every:      config.ReconcileEvery(),
		Catalog:    cat,
		Claim:      pipeline.Claim,
		Caches:     []janitor.Pruner{subs},
		ScratchDir: config.TorrentDataRoot(),
		ScratchMax: config.TorrentCacheMax(),
		Idle:       func() bool { return pipeline.Active() == 0 },
	}

	addr := config.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(log.Writer(), "[http] ", 0),
	}
	log.Printf("[boot] VOD engine listening on %s root=%s content=%s index=%s",
		addr, config.OfflineRoot(), config.ContentBackend(), config.IndexBackend())

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		jan.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("[boot] shutdown requested")
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shCtx)
		api.Close()
		tasks.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("[boot] exit: %v", err)
	}
	log.Printf("[boot] shutdown complete")
}

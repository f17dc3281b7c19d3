package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	listenAddr = ":4001"

	// offline storage
	offlineRoot    = "./vod-offline"
	contentBackend = "fs"   // fs|bolt
	indexBackend   = "json" // json|sqlite|postgres
	pgDSN          string
	sqlitePath     string

	// player
	controlsHideAfter = 3 * time.Second
	sessionStaleAfter = 45 * time.Second
	sessionReapEvery  = 15 * time.Second
	progressSaveEvery = 15 * time.Second

	// acquisition
	downloadChunkBytes int64 = 256 << 10
	downloadRateLimit  int64 // bytes/s, 0 = unlimited
	downloadTimeout    time.Duration
	torrentDataRoot    = "./vod-torrents"
	waitMetadata       = 25 * time.Second
	torrentCacheMax    int64 // bytes, 0 = no cap

	// subtitles
	subtitleDir         string
	subtitleURLTemplate string
	subtitleCacheTTL    = 1 * time.Hour

	reconcileEvery = 10 * time.Minute

	// logging
	logFilePath   = "debug.log"
	logAllowRegex = `^\[(init|boot|http|session|audio|download|offline|subtitles|janitor|torrent|panic)\]`
	logDenyRegex  = `FlushFileBuffers|fsync|The handle is invalid`
	logDedupWin   = 3 * time.Second
)

func Load() {
	listenAddr = getenv("LISTEN", listenAddr)

	offlineRoot = getenv("OFFLINE_ROOT", offlineRoot)
	_ = os.MkdirAll(offlineRoot, 0o755)
	contentBackend = strings.ToLower(getenv("CONTENT_BACKEND", contentBackend))
	indexBackend = strings.ToLower(getenv("INDEX_BACKEND", indexBackend))
	pgDSN = getenv("PG_DSN", pgDSN)
	sqlitePath = getenv("SQLITE_PATH", sqlitePath)

	controlsHideAfter = getenvDuration("CONTROLS_HIDE_AFTER", controlsHideAfter)
	if ms := getenvInt64("CONTROLS_HIDE_AFTER_MS", 0); ms > 0 {
		controlsHideAfter = time.Duration(ms) * time.Millisecond
	}
	sessionStaleAfter = getenvDuration("SESSION_STALE_AFTER", sessionStaleAfter)
	sessionReapEvery = getenvDuration("SESSION_REAP_EVERY", sessionReapEvery)
	progressSaveEvery = getenvDuration("PROGRESS_SAVE_EVERY", progressSaveEvery)

	downloadChunkBytes = getenvInt64("DOWNLOAD_CHUNK_BYTES", downloadChunkBytes)
	if downloadChunkBytes <= 0 {
		downloadChunkBytes = 256 << 10
	}
	downloadRateLimit = getenvInt64("DOWNLOAD_RATE_LIMIT", 0)
	downloadTimeout = getenvDuration("DOWNLOAD_TIMEOUT", 0)
	torrentDataRoot = getenv("TORRENT_DATA_ROOT", torrentDataRoot)
	waitMetadata = getenvDuration("WAIT_METADATA", waitMetadata)
	torrentCacheMax = getenvInt64("TORRENT_CACHE_MAX_BYTES", torrentCacheMax)

	subtitleDir = getenv("SUBTITLE_DIR", subtitleDir)
	subtitleURLTemplate = getenv("SUBTITLE_URL_TEMPLATE", subtitleURLTemplate)
	subtitleCacheTTL = getenvDuration("SUBTITLE_CACHE_TTL", subtitleCacheTTL)

	reconcileEvery = getenvDuration("RECONCILE_EVERY", reconcileEvery)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters
func ListenAddr() string                 { return listenAddr }
func OfflineRoot() string                { return offlineRoot }
func ContentBackend() string             { return contentBackend }
func IndexBackend() string               { return indexBackend }
func PGDSN() string                      { return pgDSN }
func SQLitePath() string                 { return sqlitePath }
func ControlsHideAfter() time.Duration   { return controlsHideAfter }
func SessionStaleAfter() time.Duration   { return sessionStaleAfter }
func SessionReapEvery() time.Duration    { return sessionReapEvery }
func ProgressSaveEvery() time.Duration   { return progressSaveEvery }
func DownloadChunkBytes() int64          { return downloadChunkBytes }
func DownloadRateLimit() int64           { return downloadRateLimit }
func DownloadTimeout() time.Duration     { return downloadTimeout }
func TorrentDataRoot() string            { return torrentDataRoot }
func WaitMetadata() time.Duration        { return waitMetadata }
func TorrentCacheMax() int64             { return torrentCacheMax }
func SubtitleDir() string                { return subtitleDir }
func SubtitleURLTemplate() string        { return subtitleURLTemplate }
func SubtitleCacheTTL() time.Duration    { return subtitleCacheTTL }
func ReconcileEvery() time.Duration      { return reconcileEvery }
func LogFilePath() string                { return logFilePath }
func LogAllowRegex() string              { return logAllowRegex }
func LogDenyRegex() string               { return logDenyRegex }
func LogDedupWindow() time.Duration      { return logDedupWin }

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

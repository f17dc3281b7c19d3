// Package httpapi is the engine's HTTP and websocket surface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"vod-engine/internal/acquire"
	"vod-engine/internal/audiofx"
	"vod-engine/internal/catalog"
	"vod-engine/internal/metrics"
	"vod-engine/internal/middleware"
	"vod-engine/internal/playback"
	"vod-engine/internal/subtitles"
	"vod-engine/internal/watch"
)

type Deps struct {
	Catalog   *catalog.Catalog
	Tasks     *acquire.Tasks
	Fetcher   acquire.Fetcher // opens remote locators for the audio graph
	Progress  *watch.Store    // optional
	Subtitles *subtitles.Loader
	Audio     audiofx.SourceFactory // defaults to decoding through Fetcher

	// AudioOpenTimeout bounds how long opening an audio source may wait for
	// the fetcher. Default 20s.
	AudioOpenTimeout time.Duration

	StaleAfter time.Duration
	ReapEvery  time.Duration
	HideAfter  time.Duration
	SaveEvery  time.Duration
}

type Server struct {
	d        Deps
	sessions *watch.Manager

	mu       sync.Mutex
	bindings map[string]*binding
}

func New(d Deps) *Server {
	if d.StaleAfter <= 0 {
		d.StaleAfter = 45 * time.Second
	}
	if d.AudioOpenTimeout <= 0 {
		d.AudioOpenTimeout = 20 * time.Second
	}
	s := &Server{d: d, bindings: make(map[string]*binding)}
	s.sessions = watch.NewManager(d.StaleAfter, d.ReapEvery, s.openSession, s.dropSession)
	return s
}

func (s *Server) Sessions() *watch.Manager { return s.sessions }

// Close destroys every session.
func (s *Server) Close() { s.sessions.Shutdown() }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.sessions.HandleOpen)
	mux.HandleFunc("POST /v1/sessions/{id}/ping", s.sessions.HandlePing)
	mux.HandleFunc("POST /v1/sessions/{id}/close", s.sessions.HandleClose)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleControl)
	mux.HandleFunc("GET /v1/sessions/{id}/audio", s.handleAudio)

	mux.HandleFunc("POST /v1/downloads", s.handleStartDownload)
	mux.HandleFunc("GET /v1/downloads", s.handleListDownloads)
	mux.HandleFunc("GET /v1/downloads/{id}/events", s.handleDownloadEvents)

	mux.HandleFunc("GET /v1/offline", s.handleOfflineList)
	mux.HandleFunc("PUT /v1/offline/{id}", s.handleOfflineUpload)
	mux.HandleFunc("DELETE /v1/offline/{id}", s.handleOfflineDelete)
	mux.HandleFunc("POST /v1/offline/{id}/resolve", s.handleOfflineResolve)
	mux.HandleFunc("GET "+catalog.BlobPrefix+"{token}", s.handleBlob)

	mux.HandleFunc("GET /v1/subtitles/{item}", s.handleSubtitleList)
	mux.HandleFunc("GET /v1/subtitles/{item}/{lang}", s.handleSubtitleTrack)

	mux.HandleFunc("GET /v1/resume", s.handleResume)
	mux.HandleFunc("GET /v1/continue", s.handleContinue)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return middleware.Recover(middleware.CORS(mux.ServeHTTP))
}

// openSession is the registry's factory: it binds a new PlaybackSession to
// a control channel and loads its resume point and cue tracks.
func (s *Server) openSession(ctx context.Context, id string, req watch.OpenRequest) (*playback.Session, error) {
	b := newBinding(id)

	start := seconds(req.StartAt)
	if start == 0 && req.Resume && s.d.Progress != nil && req.ItemID != "" {
		start = s.d.Progress.ResumeAt(ctx, req.ItemID)
	}
	var tracks map[string]*subtitles.Track
	if s.d.Subtitles != nil && req.ItemID != "" {
		tracks = s.d.Subtitles.Load(ctx, req.ItemID)
	}
	var save playback.PositionFunc
	if s.d.Progress != nil {
		save = s.d.Progress.Saver(5 * time.Second)
	}

	sess := playback.NewSession(playback.Options{
		ID:           id,
		ItemID:       req.ItemID,
		Locator:      req.Src,
		StartAt:      start,
		HideAfter:    s.d.HideAfter,
		Media:        mediaChannel{b},
		Fullscreen:   fullscreenChannel{b},
		Audio:        audiofx.NewEnhancer(s.audioFactory(b)),
		Tracks:       tracks,
		SaveEvery:    s.d.SaveEvery,
		SavePosition: save,
		OnChange:     b.signal,
		OnBack:       func() { b.push(command{Type: "back"}) },
	})

	s.mu.Lock()
	s.bindings[id] = b
	s.mu.Unlock()
	return sess, nil
}

// dropSession finishes a teardown the registry started: the control
// channel ends and the session's playable handles stop working.
func (s *Server) dropSession(id string) {
	s.mu.Lock()
	b := s.bindings[id]
	delete(s.bindings, id)
	s.mu.Unlock()
	if b != nil {
		b.close()
	}
	if s.d.Catalog != nil {
		if n := s.d.Catalog.Handles().RevokeOwner(id); n > 0 {
			log.Printf("[session] %s: revoked %d handle(s)", id, n)
		}
	}
}

func (s *Server) binding(id string) *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[id]
}

// audioFactory decodes the session's source. Opening is bound to the
// session's lifetime.
func (s *Server) audioFactory(b *binding) audiofx.SourceFactory {
	if s.d.Audio != nil {
		return s.d.Audio
	}
	return audiofx.DecoderFactory(func(locator string) (io.ReadCloser, error) {
		return s.openMedia(b.ctx, locator)
	})
}

// openMedia opens a session locator for audio decoding. Handle URLs read
// from the content store; anything else goes through the fetcher, which
// must answer within AudioOpenTimeout. The body lives until ctx ends or it
// is closed.
func (s *Server) openMedia(ctx context.Context, locator string) (io.ReadCloser, error) {
	if token, ok := strings.CutPrefix(locator, catalog.BlobPrefix); ok && s.d.Catalog != nil {
		return s.d.Catalog.OpenHandle(token)
	}
	if s.d.Fetcher == nil {
		return nil, acquire.ErrUnsupportedSource
	}
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(s.d.AudioOpenTimeout, cancel)
	src, err := s.d.Fetcher.Fetch(ctx, locator)
	if !timer.Stop() && err == nil {
		_ = src.Body.Close()
		err = fmt.Errorf("open %s: no response within %s", locator, s.d.AudioOpenTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: src.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, watch.ErrNoSession.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

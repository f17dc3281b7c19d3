package watch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vod-engine/internal/metrics"
	"vod-engine/internal/playback"
)

/*
Session lease registry. You provide:
  - New(ctx, id, req)  // build the PlaybackSession for a view
  - Destroy(id)        // extra teardown after the session is closed
A session lives while its view keeps pinging; the reaper destroys the rest.
*/

var ErrNoSession = errors.New("no such session")

// OpenRequest is what a view sends to start playing.
type OpenRequest struct {
	ItemID  string  `json:"itemId"`
	Src     string  `json:"src"`
	StartAt float64 `json:"startAt,omitempty"` // seconds; 0 means resume or start
	Resume  bool    `json:"resume,omitempty"`
}

// Factory builds the session for a freshly allocated id.
type Factory func(ctx context.Context, id string, req OpenRequest) (*playback.Session, error)

type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry
	New        Factory
	Destroy    func(id string)
	staleAfter time.Duration
	tickerIntv time.Duration
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type entry struct {
	sess     *playback.Session
	lastSeen time.Time
}

func NewManager(staleAfter, tickerIntv time.Duration, factory Factory, destroy func(string)) *Manager {
	m := &Manager{
		entries:    make(map[string]*entry),
		New:        factory,
		Destroy:    destroy,
		staleAfter: staleAfter,
		tickerIntv: tickerIntv,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	if tickerIntv > 0 {
		go m.reaper()
	}
	return m
}

// Shutdown stops the reaper and destroys every live session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	for id, e := range all {
		m.destroy(id, e.sess, "shutdown")
	}
}

func (m *Manager) reaper() {
	t := time.NewTicker(m.tickerIntv)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Reap()
		case <-m.stopCh:
			return
		}
	}
}

// Reap destroys sessions not pinged within staleAfter and reports how many.
func (m *Manager) Reap() int {
	now := m.now()
	stale := make(map[string]*playback.Session)
	m.mu.Lock()
	for id, e := range m.entries {
		if now.Sub(e.lastSeen) > m.staleAfter {
			stale[id] = e.sess
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	// destroy outside the lock
	for id, s := range stale {
		m.destroy(id, s, "lease expired")
	}
	return len(stale)
}

func (m *Manager) destroy(id string, s *playback.Session, why string) {
	log.Printf("[session] %s: destroyed (%s)", short(id), why)
	safely(s.Close)
	if m.Destroy != nil {
		safely(func() { m.Destroy(id) })
	}
	metrics.SessionsActive.Dec()
}

func safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[panic] session teardown: %v", r)
		}
	}()
	fn()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Public methods used by HTTP handlers ---

func (m *Manager) Open(ctx context.Context, req OpenRequest) (string, error) {
	if strings.TrimSpace(req.Src) == "" {
		return "", errors.New("missing src")
	}
	id := uuid.NewString()
	s, err := m.New(ctx, id, req)
	if err != nil {
		log.Printf("[session] open %q failed: %v", req.ItemID, err)
		return "", err
	}
	m.mu.Lock()
	m.entries[id] = &entry{sess: s, lastSeen: m.now()}
	n := len(m.entries)
	m.mu.Unlock()
	metrics.SessionsActive.Inc()
	log.Printf("[session] %s: opened item=%q (live: %d)", short(id), req.ItemID, n)
	return id, nil
}

func (m *Manager) Get(id string) (*playback.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (m *Manager) Ping(_ context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.lastSeen = m.now()
	return true
}

// Close destroys the session right away. This is the navigate-away path.
func (m *Manager) Close(_ context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.destroy(id, e.sess, "closed")
	return true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RequestFromHTTP reads an OpenRequest from the query string or a JSON body.
func RequestFromHTTP(r *http.Request) (OpenRequest, error) {
	q := r.URL.Query()
	req := OpenRequest{ItemID: q.Get("itemId"), Src: q.Get("src")}
	if s := q.Get("startAt"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			req.StartAt = v
		}
	}
	req.Resume = q.Get("resume") == "1" || q.Get("resume") == "true"
	if req.Src == "" && r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return OpenRequest{}, err
		}
	}
	req.Src = strings.TrimSpace(req.Src)
	if req.StartAt < 0 {
		req.StartAt = 0
	}
	return req, nil
}

// --- HTTP handlers ---

func (m *Manager) HandleOpen(w http.ResponseWriter, r *http.Request) {
	req, err := RequestFromHTTP(r)
	if err != nil || req.Src == "" {
		http.Error(w, "bad open request", http.StatusBadRequest)
		return
	}
	id, err := m.Open(r.Context(), req)
	if err != nil {
		http.Error(w, "open failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{
		"sessionId": id,
		"ws":        "/v1/sessions/" + id + "/ws",
		"audio":     "/v1/sessions/" + id + "/audio",
	})
}

func (m *Manager) HandlePing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ok := m.Ping(r.Context(), id); !ok {
		http.Error(w, ErrNoSession.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClose also accepts sendBeacon posts, which always succeed.
func (m *Manager) HandleClose(w http.ResponseWriter, r *http.Request) {
	_ = m.Close(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

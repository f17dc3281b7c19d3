package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vod-engine/internal/acquire"
	"vod-engine/pkg/types"
)

// startDownloadReq names the source either directly (src + item) or as a
// catalog entry, whose videoUrl becomes the source.
type startDownloadReq struct {
	Src     string           `json:"src"`
	Item    types.Descriptor `json:"item"`
	Catalog *types.Item      `json:"catalogItem,omitempty"`
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var in startDownloadReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if c := in.Catalog; c != nil {
		if in.Src == "" {
			in.Src = c.VideoURL
		}
		if in.Item.ID == "" {
			in.Item = c.Descriptor()
		}
	}
	in.Src = strings.TrimSpace(in.Src)
	if in.Src == "" || in.Item.ID == "" {
		http.Error(w, "src and item.id required", http.StatusBadRequest)
		return
	}
	task, err := s.d.Tasks.Start(in.Src, in.Item)
	if err != nil {
		if errors.Is(err, acquire.ErrInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "start download: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Download-Id", task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, _ *http.Request) {
	list := s.d.Tasks.List()
	if list == nil {
		list = []acquire.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleDownloadEvents streams task updates as SSE until the task is done.
// Without an event-stream Accept header it returns the current task.
// ?session= ties the subscription to a playback session's lifetime.
// Dropping the stream never aborts the download.
func (s *Server) handleDownloadEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	updates, cancel := s.d.Tasks.Dispatcher().Subscribe(id)
	defer cancel()

	task, ok := s.d.Tasks.Get(id)
	if !ok {
		http.Error(w, "unknown download", http.StatusNotFound)
		return
	}
	if !wantsSSE(r) {
		writeJSON(w, http.StatusOK, task)
		return
	}

	var sessionDone <-chan struct{}
	if sid := r.URL.Query().Get("session"); sid != "" {
		b := s.binding(sid)
		if b == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		sessionDone = b.done
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = io.WriteString(w, "retry: 2000\n\n")
	rc := http.NewResponseController(w)

	last := task
	write := func(t acquire.Task) bool {
		last = t
		b, _ := json.Marshal(t)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", t.Status, b); err != nil {
			return false
		}
		_ = rc.Flush()
		return true
	}
	if !write(task) || task.Status.Done() {
		return
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sessionDone:
			return
		case t, ok := <-updates:
			if !ok {
				return
			}
			if !t.Supersedes(last) {
				continue
			}
			if !write(t) || t.Status.Done() {
				return
			}
		case <-ping.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			_ = rc.Flush()
		}
	}
}

func wantsSSE(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("sse"), "1") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
}

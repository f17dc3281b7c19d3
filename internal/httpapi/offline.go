package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"vod-engine/internal/acquire"
	"vod-engine/internal/catalog"
	"vod-engine/pkg/types"
)

func (s *Server) handleOfflineList(w http.ResponseWriter, r *http.Request) {
	list := s.d.Catalog.List(r.Context())
	if list == nil {
		list = []types.OfflineAsset{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleOfflineUpload stores the request body as the offline copy of
// {id}, with the same progress feed and registration as a download.
// Metadata comes from the title, posterUrl and duration query params.
func (s *Server) handleOfflineUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d := types.Descriptor{
		ID:        r.PathValue("id"),
		Title:     q.Get("title"),
		PosterURL: q.Get("posterUrl"),
		Duration:  q.Get("duration"),
	}
	if d.Title == "" {
		d.Title = d.ID
	}
	total := r.ContentLength
	if total <= 0 {
		total = -1
	}
	task, err := s.d.Tasks.Ingest(r.Context(), r.Body, total, d)
	switch {
	case errors.Is(err, acquire.ErrInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, "ingest: "+err.Error(), http.StatusInternalServerError)
	default:
		log.Printf("[offline] %s uploaded (%s)", d.ID, humanize.IBytes(uint64(max(r.ContentLength, 0))))
		w.Header().Set("X-Download-Id", task.ID)
		writeJSON(w, http.StatusCreated, task)
	}
}

func (s *Server) handleOfflineDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.d.Catalog.Remove(r.Context(), id); err != nil {
		http.Error(w, "remove: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOfflineResolve issues a handle owned by the live session named in
// ?session=. The session's teardown revokes it.
func (s *Server) handleOfflineResolve(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("session")
	if owner == "" {
		http.Error(w, catalog.ErrNoOwner.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.sessions.Get(owner); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	h, err := s.d.Catalog.Resolve(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "not available offline", http.StatusNotFound)
			return
		}
		http.Error(w, "resolve: "+err.Error(), http.StatusInternalServerError)
		return
	}
	// the session may have ended while the handle was issued
	if _, ok := s.sessions.Get(owner); !ok {
		s.d.Catalog.Handles().Revoke(h.Token)
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleBlob serves handle content with single-range support.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	blob, err := s.d.Catalog.OpenHandle(token)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer blob.Close()

	size := blob.Size()
	hadRange := false
	start, end := int64(0), size-1
	if rh := r.Header.Get("Range"); rh != "" && size > 0 {
		if rs, re, ok := parseByteRange(rh, size); ok {
			start, end, hadRange = rs, re, true
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	length := end - start + 1

	var sniff [512]byte
	n, _ := io.ReadFull(blob, sniff[:])
	if _, err := blob.Seek(start, io.SeekStart); err != nil {
		http.Error(w, "seek error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(sniff[:n]))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	if id, ok := s.d.Catalog.Handles().Lookup(token); ok {
		w.Header().Set("X-Offline-Id", id)
	}
	if hadRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead || length <= 0 {
		return
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 256<<10)
	var written int64
	for written < length {
		if r.Context().Err() != nil {
			return
		}
		toRead := min(int64(len(buf)), length-written)
		n, readErr := blob.Read(buf[:toRead])
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				if !clientGone(err) {
					log.Printf("[http] blob write error: %v", err)
				}
				return
			}
			_ = rc.Flush()
			written += int64(n)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Printf("[http] blob read error: %v", readErr)
			}
			break
		}
	}
	if !isSmallRange(start, end) {
		log.Printf("[http] blob range=%d-%d sent=%s", start, end, humanize.IBytes(uint64(written)))
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	item := r.URL.Query().Get("itemId")
	if item == "" {
		http.Error(w, "itemId required", http.StatusBadRequest)
		return
	}
	if s.d.Progress == nil {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	res, ok, err := s.d.Progress.GetResume(r.Context(), item)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found":      true,
		"itemId":     res.ItemID,
		"position_s": res.Position.Seconds(),
		"startAt":    res.StartAt().Seconds(),
		"percent":    res.Percent,
		"updated_at": res.Updated.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if s.d.Progress == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.d.Progress.ListContinue(r.Context(), limit)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func isSmallRange(start, end int64) bool {
	const maxSmall = 1 << 10
	if start < 0 || end < start {
		return false
	}
	return (end - start + 1) <= maxSmall
}

func parseByteRange(h string, size int64) (start, end int64, ok bool) {
	h = strings.TrimSpace(strings.ToLower(h))
	if !strings.HasPrefix(h, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	parts := strings.Split(spec, ",")
	if len(parts) != 1 {
		return 0, 0, false
	}
	se := strings.SplitN(strings.TrimSpace(parts[0]), "-", 2)
	if len(se) != 2 {
		return 0, 0, false
	}
	if se[0] == "" {
		n, err := strconv.ParseInt(se[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(se[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	var e int64
	if se[1] == "" {
		e = size - 1
	} else {
		e, err = strconv.ParseInt(se[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}

func clientGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "forcibly closed")
}

package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"vod-engine/internal/subtitles"
)

type subtitleListResponse struct {
	ItemID    string   `json:"itemId"`
	Languages []string `json:"languages"`
}

// handleSubtitleList reports which caption languages an item has.
// GET /v1/subtitles/{item}
func (s *Server) handleSubtitleList(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	tracks := s.loadTracks(r.Context(), item)
	resp := subtitleListResponse{ItemID: item, Languages: []string{}}
	for _, lang := range subtitles.Languages {
		if _, ok := tracks[lang]; ok {
			resp.Languages = append(resp.Languages, lang)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubtitleTrack serves one language as WebVTT.
// GET /v1/subtitles/{item}/{lang}
func (s *Server) handleSubtitleTrack(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	if !slices.Contains(subtitles.Languages, lang) || lang == subtitles.Off {
		http.Error(w, "unknown language", http.StatusNotFound)
		return
	}
	tr, ok := s.loadTracks(r.Context(), r.PathValue("item"))[lang]
	if !ok {
		http.Error(w, "no track", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(tr.VTT()))
}

func (s *Server) loadTracks(ctx context.Context, item string) map[string]*subtitles.Track {
	if s.d.Subtitles == nil {
		return subtitles.DemoTracks()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.d.Subtitles.Load(ctx, item)
}

package httpapi

import (
	"log"
	"net/http"

	"vod-engine/internal/audiofx"
	"vod-engine/internal/watch"
)

// handleAudio streams the session's enhanced audio as raw 16-bit PCM.
// It answers 503 when no graph can be built for the session's source.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, watch.ErrNoSession.Error(), http.StatusNotFound)
		return
	}
	enh := sess.Audio()
	g := enh.Ensure(sess.Locator())
	if g == nil {
		msg := audiofx.ErrGraphUnavailable.Error()
		if err := enh.Err(); err != nil {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", audiofx.L16ContentType(int(g.Format().SampleRate)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Audio-Preset", string(g.Preset()))
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	if err := audiofx.WriteL16(r.Context(), w, g, flush); err != nil && !clientGone(err) {
		log.Printf("[audio] %s: stream ended: %v", sess.ID(), err)
	}
}

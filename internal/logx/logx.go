package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Writer filters and de-duplicates log lines before they reach dst.
//   - allow (optional): only lines matching it pass
//   - deny  (optional): lines matching it are dropped
//   - window: identical lines seen within it are dropped
//
// Dropped lines are counted; the count is exported as a metric.
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	lastGC   time.Time

	suppressed atomic.Uint64
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	return &Writer{
		dst:      dst,
		allow:    compileOptional(allowPattern),
		deny:     compileOptional(denyPattern),
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// compileOptional fails soft: a bad pattern disables that filter.
func compileOptional(p string) *regexp.Regexp {
	if strings.TrimSpace(p) == "" {
		return nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil
	}
	return re
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		w.suppressed.Add(1)
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		w.suppressed.Add(1)
		return len(p), nil
	}

	key := strings.TrimRight(line, "\r\n")
	now := time.Now()

	w.mu.Lock()
	if last, ok := w.lastSeen[key]; ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		w.suppressed.Add(1)
		return len(p), nil
	}
	w.lastSeen[key] = now
	w.gcLocked(now)
	w.mu.Unlock()

	return w.dst.Write(p)
}

// gcLocked forgets lines older than the window so lastSeen stays bounded
// on long-running processes.
func (w *Writer) gcLocked(now time.Time) {
	if now.Sub(w.lastGC) < 4*w.window || w.window <= 0 {
		return
	}
	w.lastGC = now
	for k, t := range w.lastSeen {
		if now.Sub(t) >= w.window {
			delete(w.lastSeen, k)
		}
	}
}

// Suppressed reports how many lines were dropped by filters or de-dup.
func (w *Writer) Suppressed() uint64 { return w.suppressed.Load() }

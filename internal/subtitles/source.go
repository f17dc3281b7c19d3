package subtitles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Loader resolves the track set for an item from, in order: files under
// Dir, the URL template, and the built-in demo tracks.
//
// Dir files are named <itemID>.<Language>.vtt or .srt. URLTemplate may use
// {id} and {lang}; fetched documents are cached for TTL.
type Loader struct {
	Dir         string
	URLTemplate string
	TTL         time.Duration
	Client      *http.Client

	mu    sync.RWMutex
	cache map[string]cachedTrack
}

type cachedTrack struct {
	cues    []Cue
	fetched time.Time
}

func (l *Loader) Load(ctx context.Context, itemID string) map[string]*Track {
	tracks := make(map[string]*Track)
	for _, lang := range Languages {
		if lang == Off {
			continue
		}
		cues, err := l.load(ctx, itemID, lang)
		if err != nil {
			log.Printf("[subtitles] %s/%s: %v", itemID, lang, err)
			continue
		}
		if len(cues) > 0 {
			tracks[lang] = NewTrack(lang, cues)
		}
	}
	if len(tracks) == 0 {
		return DemoTracks()
	}
	return tracks
}

func (l *Loader) load(ctx context.Context, itemID, lang string) ([]Cue, error) {
	if l.Dir != "" && itemID != "" {
		cues, err := l.fromDir(itemID, lang)
		if err == nil {
			return cues, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if l.URLTemplate != "" && itemID != "" {
		return l.fromURL(ctx, itemID, lang)
	}
	return nil, nil
}

func (l *Loader) fromDir(itemID, lang string) ([]Cue, error) {
	base := filepath.Base(itemID) + "." + lang
	for _, ext := range []string{".vtt", ".srt"} {
		raw, err := os.ReadFile(filepath.Join(l.Dir, base+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return Parse(string(raw))
	}
	return nil, fs.ErrNotExist
}

func (l *Loader) fromURL(ctx context.Context, itemID, lang string) ([]Cue, error) {
	u := strings.NewReplacer("{id}", url.PathEscape(itemID), "{lang}", url.PathEscape(lang)).Replace(l.URLTemplate)
	ttl := l.ttl()

	l.mu.RLock()
	if c, ok := l.cache[u]; ok && time.Since(c.fetched) < ttl {
		l.mu.RUnlock()
		return c.cues, nil
	}
	l.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cues []Cue
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// cache the miss too
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	default:
		data, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return nil, err
		}
		if cues, err = Parse(string(data)); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	if l.cache == nil {
		l.cache = make(map[string]cachedTrack)
	}
	l.cache[u] = cachedTrack{cues: cues, fetched: time.Now()}
	l.mu.Unlock()
	return cues, nil
}

func (l *Loader) ttl() time.Duration {
	if l.TTL <= 0 {
		return time.Hour
	}
	return l.TTL
}

// Prune drops cache entries older than the TTL.
func (l *Loader) Prune() {
	ttl := l.ttl()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.cache {
		if time.Since(v.fetched) > ttl {
			delete(l.cache, k)
		}
	}
}

var demoCues = []Cue{
	{Start: 2 * time.Second, End: 5 * time.Second, Text: "[Atmospheric Music]"},
	{Start: 6 * time.Second, End: 9 * time.Second, Text: "Welcome to Universal Movies Hub."},
	{Start: 10 * time.Second, End: 13 * time.Second, Text: "Experience the ultimate streaming quality."},
	{Start: 14 * time.Second, End: 18 * time.Second, Text: "Watch your favorite movies anytime, anywhere."},
	{Start: 20 * time.Second, End: 24 * time.Second, Text: "[Intense Action Sequence Starts]"},
	{Start: 25 * time.Second, End: 28 * time.Second, Text: "Don't blink or you'll miss it!"},
}

// DemoTracks gives every menu language the same demonstration cues.
func DemoTracks() map[string]*Track {
	tracks := make(map[string]*Track, len(Languages))
	for _, lang := range Languages {
		if lang != Off {
			tracks[lang] = NewTrack(lang, demoCues)
		}
	}
	return tracks
}

// Package subtitles holds per-language cue tracks and the lookup that maps
// a playback position to the caption on screen.
package subtitles

import (
	"sort"
	"strings"
	"time"
)

// Off disables captions.
const Off = "Off"

// Languages is the caption menu, in display order.
var Languages = []string{Off, "English", "Spanish", "French", "German"}

type Cue struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Track is an immutable, sorted, non-overlapping list of cues.
type Track struct {
	Language string
	Cues     []Cue
}

// NewTrack sorts cues by start and clips each cue so it ends no later than
// the next one starts. Empty and inverted cues are dropped.
func NewTrack(language string, cues []Cue) *Track {
	out := make([]Cue, 0, len(cues))
	for _, c := range cues {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" || c.End < c.Start {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 0; i+1 < len(out); i++ {
		if out[i].End > out[i+1].Start {
			out[i].End = out[i+1].Start
		}
	}
	return &Track{Language: language, Cues: out}
}

// At returns the text of the cue with Start <= t <= End, or "".
func (tr *Track) At(t time.Duration) string {
	if tr == nil {
		return ""
	}
	i := sort.Search(len(tr.Cues), func(i int) bool { return tr.Cues[i].End >= t })
	if i < len(tr.Cues) && tr.Cues[i].Start <= t {
		return tr.Cues[i].Text
	}
	return ""
}

// Lookup is the pure caption function: language Off or a missing track
// yields "".
func Lookup(tracks map[string]*Track, language string, t time.Duration) string {
	if language == Off || language == "" {
		return ""
	}
	return tracks[language].At(t)
}

// Synchronizer keeps the caption for the selected language in step with
// playback time. It is not safe for concurrent use.
type Synchronizer struct {
	tracks   map[string]*Track
	language string
	at       time.Duration
	text     string
}

func NewSynchronizer(tracks map[string]*Track) *Synchronizer {
	return &Synchronizer{tracks: tracks, language: Off}
}

// Tick records the playback time and returns the caption for it.
func (s *Synchronizer) Tick(t time.Duration) string {
	s.at = t
	s.text = Lookup(s.tracks, s.language, t)
	return s.text
}

// Select switches language and recomputes the caption at the last known
// time without waiting for the next tick.
func (s *Synchronizer) Select(language string) string {
	s.language = language
	s.text = Lookup(s.tracks, language, s.at)
	return s.text
}

// SetTracks swaps the track set, e.g. after a late load, and recomputes.
func (s *Synchronizer) SetTracks(tracks map[string]*Track) string {
	s.tracks = tracks
	return s.Select(s.language)
}

func (s *Synchronizer) Language() string { return s.language }
func (s *Synchronizer) Text() string     { return s.text }

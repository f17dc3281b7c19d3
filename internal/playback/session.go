// Package playback is the per-view playback controller: transport state,
// overlay menus, control visibility, captions and the audio graph of one
// PlaybackSession.
package playback

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"vod-engine/internal/audiofx"
	"vod-engine/internal/subtitles"
)

var (
	ErrInvalidRate     = errors.New("unsupported playback rate")
	ErrUnknownQuality  = errors.New("unknown quality label")
	ErrUnknownLanguage = errors.New("unknown subtitle language")
	ErrPlaybackFailed  = errors.New("playback failed")
	ErrClosed          = errors.New("session closed")
)

var (
	Rates     = []float64{0.5, 0.75, 1, 1.25, 1.5, 2}
	Qualities = []string{"Auto", "4K Ultra HD", "1080p HD", "720p", "480p"}
)

// Media is the underlying media element.
type Media interface {
	Play()
	Pause()
	Seek(t time.Duration)
	SetVolume(v float64, muted bool)
	SetRate(r float64)
}

// Fullscreen is the platform's fullscreen primitive. The platform reports
// the real state back through Session.OnFullscreenChange.
type Fullscreen interface {
	Request()
	Exit()
}

// PositionFunc persists a playback position for an item.
type PositionFunc func(itemID string, pos, dur time.Duration)

type Options struct {
	ID      string
	ItemID  string
	Locator string
	StartAt time.Duration

	Clock     Clock
	HideAfter time.Duration

	Media      Media
	Fullscreen Fullscreen
	Audio      *audiofx.Enhancer
	Tracks     map[string]*subtitles.Track

	SaveEvery    time.Duration
	SavePosition PositionFunc

	// OnChange runs after any state change, outside the session lock.
	OnChange func()
	// OnBack runs when input asks to leave the player.
	OnBack func()
}

// Session is one open player view. All methods are safe for concurrent
// use; state changes are serialized by the session lock.
type Session struct {
	mu sync.Mutex

	id, itemID, locator string

	current  time.Duration
	duration time.Duration
	playing  bool
	volume   float64
	muted    bool
	rate     float64

	fullscreen bool
	menu       Menu
	quality    string
	hovering   bool

	failure      error
	closed       bool
	audioStarted bool

	subs      *subtitles.Synchronizer
	vis       *Scheduler
	audio     *audiofx.Enhancer
	media     Media
	fs        Fullscreen
	onChange  func()
	onBack    func()
	save      PositionFunc
	saveEvery time.Duration
	lastSaved time.Duration
}

func NewSession(o Options) *Session {
	tracks := o.Tracks
	if tracks == nil {
		tracks = subtitles.DemoTracks()
	}
	if o.Media == nil {
		o.Media = nopMedia{}
	}
	if o.Fullscreen == nil {
		o.Fullscreen = nopFullscreen{}
	}
	if o.Audio == nil {
		o.Audio = audiofx.NewEnhancer(nil)
	}
	s := &Session{
		id:        o.ID,
		itemID:    o.ItemID,
		locator:   o.Locator,
		volume:    1,
		rate:      1,
		quality:   Qualities[0],
		subs:      subtitles.NewSynchronizer(tracks),
		audio:     o.Audio,
		media:     o.Media,
		fs:        o.Fullscreen,
		onChange:  o.OnChange,
		onBack:    o.OnBack,
		save:      o.SavePosition,
		saveEvery: o.SaveEvery,
	}
	s.vis = NewScheduler(o.Clock, o.HideAfter, func(bool) { s.changed() })
	if o.StartAt > 0 {
		s.current = o.StartAt
		s.lastSaved = o.StartAt
		s.media.Seek(o.StartAt)
		s.subs.Tick(o.StartAt)
	}
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) ItemID() string  { return s.itemID }
func (s *Session) Locator() string { return s.locator }

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// do runs fn under the lock, then re-derives visibility. activity marks
// fn as a user control invocation.
func (s *Session) do(activity bool, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var err error
	if s.failure != nil {
		err = s.failure
	} else {
		err = fn()
	}
	playing, menuOpen, hovering := s.playing, s.menu != MenuNone, s.hovering
	s.mu.Unlock()

	s.vis.Observe(playing, menuOpen, hovering, activity)
	s.changed()
	return err
}

// Play starts playback. The first call also starts building the audio
// graph in the background; a failed build leaves playback untouched.
func (s *Session) Play() error {
	return s.do(true, func() error {
		s.play()
		return nil
	})
}

func (s *Session) play() {
	if !s.audioStarted {
		s.audioStarted = true
		go func() {
			if s.audio.Ensure(s.locator) != nil {
				s.changed()
			}
		}()
	}
	s.media.Play()
	s.playing = true
}

func (s *Session) Pause() error {
	return s.do(true, func() error {
		s.pause()
		return nil
	})
}

func (s *Session) pause() {
	s.media.Pause()
	s.playing = false
	s.savePosition()
}

// Toggle flips play/pause and closes any open menu.
func (s *Session) Toggle() error {
	return s.do(true, func() error {
		s.toggle()
		return nil
	})
}

func (s *Session) toggle() {
	s.menu = MenuNone
	if s.playing {
		s.pause()
	} else {
		s.play()
	}
}

// SeekToPercent moves to p percent of the duration, p clamped to [0,100].
// It does nothing until the duration is known.
func (s *Session) SeekToPercent(p float64) error {
	return s.do(true, func() error {
		if s.duration <= 0 {
			return nil
		}
		p = clamp(p, 0, 100)
		s.seek(time.Duration(p / 100 * float64(s.duration)))
		return nil
	})
}

// Skip moves by delta, clamped to [0, duration]. It does nothing until
// the duration is known.
func (s *Session) Skip(delta time.Duration) error {
	return s.do(true, func() error {
		s.skip(delta)
		return nil
	})
}

func (s *Session) skip(delta time.Duration) {
	if s.duration <= 0 {
		return
	}
	delta = max(min(delta, s.duration), -s.duration)
	t := s.current + delta
	if t < 0 {
		t = 0
	}
	if t > s.duration {
		t = s.duration
	}
	s.seek(t)
}

func (s *Session) seek(t time.Duration) {
	s.current = t
	s.media.Seek(t)
	s.audio.Seek(t)
	s.subs.Tick(t)
}

// SetVolume sets the volume, clamped to [0,1]. Zero mutes, anything else
// unmutes.
func (s *Session) SetVolume(v float64) error {
	return s.do(true, func() error {
		s.volume = clamp(v, 0, 1)
		s.muted = s.volume == 0
		s.applyVolume()
		return nil
	})
}

func (s *Session) ToggleMute() error {
	return s.do(true, func() error {
		s.toggleMute()
		return nil
	})
}

func (s *Session) toggleMute() {
	s.muted = !s.muted
	s.applyVolume()
}

func (s *Session) applyVolume() {
	s.media.SetVolume(s.volume, s.muted)
	s.audio.SetVolume(s.volume, s.muted)
}

// SetRate selects a playback rate from Rates and closes the speed menu.
func (s *Session) SetRate(r float64) error {
	return s.do(true, func() error {
		if !slices.Contains(Rates, r) {
			return fmt.Errorf("%w: %v", ErrInvalidRate, r)
		}
		s.rate = r
		s.media.SetRate(r)
		s.menu = MenuNone
		return nil
	})
}

func (s *Session) ToggleFullscreen() error {
	return s.do(true, func() error {
		s.toggleFullscreen()
		return nil
	})
}

func (s *Session) toggleFullscreen() {
	if s.fullscreen {
		s.fs.Exit()
	} else {
		s.fs.Request()
	}
	s.fullscreen = !s.fullscreen
}

// OnFullscreenChange records the platform's actual fullscreen state.
func (s *Session) OnFullscreenChange(active bool) {
	_ = s.do(false, func() error {
		s.fullscreen = active
		return nil
	})
}

// ToggleMenu opens m, or closes it when it is already open. Opening one
// menu closes any other.
func (s *Session) ToggleMenu(m Menu) error {
	return s.do(true, func() error {
		if s.menu == m {
			s.menu = MenuNone
		} else {
			s.menu = m
		}
		return nil
	})
}

func (s *Session) CloseMenu() error {
	return s.do(true, func() error {
		s.menu = MenuNone
		return nil
	})
}

// SelectQuality records a quality label. Labels do not switch streams.
func (s *Session) SelectQuality(q string) error {
	return s.do(true, func() error {
		if !slices.Contains(Qualities, q) {
			return fmt.Errorf("%w: %q", ErrUnknownQuality, q)
		}
		s.quality = q
		s.menu = MenuNone
		return nil
	})
}

// SelectSubtitle switches caption language and shows the matching cue at
// once.
func (s *Session) SelectSubtitle(lang string) error {
	return s.do(true, func() error {
		if !slices.Contains(subtitles.Languages, lang) {
			return fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
		}
		s.subs.Select(lang)
		s.menu = MenuNone
		return nil
	})
}

func (s *Session) SelectAudioPreset(p audiofx.Preset) error {
	return s.do(true, func() error {
		if err := s.audio.SetPreset(p); err != nil {
			return err
		}
		s.menu = MenuNone
		return nil
	})
}

// SetTracks replaces the caption tracks, e.g. once they finish loading.
func (s *Session) SetTracks(tracks map[string]*subtitles.Track) {
	_ = s.do(false, func() error {
		s.subs.SetTracks(tracks)
		return nil
	})
}

// OnTimeUpdate is the media element's time tick.
func (s *Session) OnTimeUpdate(t time.Duration) {
	_ = s.do(false, func() error {
		if t < 0 {
			t = 0
		}
		s.current = t
		s.subs.Tick(t)
		if s.saveEvery > 0 && s.playing && absDur(t-s.lastSaved) >= s.saveEvery {
			s.savePosition()
		}
		return nil
	})
}

func (s *Session) OnDurationChange(d time.Duration) {
	_ = s.do(false, func() error {
		if d < 0 {
			d = 0
		}
		s.duration = d
		return nil
	})
}

// OnEnded marks playback finished; controls come back.
func (s *Session) OnEnded() {
	_ = s.do(false, func() error {
		s.playing = false
		s.savePosition()
		return nil
	})
}

// OnMediaError puts the session in its terminal failed state. Every
// later control call returns ErrPlaybackFailed.
func (s *Session) OnMediaError(reason string) {
	s.mu.Lock()
	if s.closed || s.failure != nil {
		s.mu.Unlock()
		return
	}
	s.failure = fmt.Errorf("%w: %s", ErrPlaybackFailed, reason)
	s.playing = false
	s.menu = MenuNone
	s.mu.Unlock()
	log.Printf("[session] %s: media error: %s", s.id, reason)
	s.vis.Observe(false, false, false, false)
	s.changed()
}

func (s *Session) savePosition() {
	if s.save == nil || s.itemID == "" {
		return
	}
	s.lastSaved = s.current
	go s.save(s.itemID, s.current, s.duration)
}

// Close releases the audio graph and the visibility timer and saves the
// final position. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.current > 0 {
		s.savePosition()
	}
	s.mu.Unlock()
	s.vis.Stop()
	s.audio.Release()
}

// Audio exposes the enhancer for the audio stream endpoint.
func (s *Session) Audio() *audiofx.Enhancer { return s.audio }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type nopMedia struct{}

func (nopMedia) Play() {}
func (nopMedia) Pause() {}
func (nopMedia) Seek(time.Duration) {}
func (nopMedia) SetVolume(float64, bool) {}
func (nopMedia) SetRate(float64) {}

type nopFullscreen struct{}

func (nopFullscreen) Request() {}
func (nopFullscreen) Exit() {}

package playback

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vod-engine/internal/audiofx"
	"vod-engine/internal/subtitles"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	done bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type fakeMedia struct {
	mu    sync.Mutex
	calls []string
	seeks []time.Duration
}

func (m *fakeMedia) record(c string) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}
func (m *fakeMedia) Play() { m.record("play") }
func (m *fakeMedia) Pause() { m.record("pause") }
func (m *fakeMedia) Seek(t time.Duration) {
	m.mu.Lock()
	m.seeks = append(m.seeks, t)
	m.mu.Unlock()
	m.record("seek")
}
func (m *fakeMedia) SetVolume(float64, bool) { m.record("volume") }
func (m *fakeMedia) SetRate(float64) { m.record("rate") }
func (m *fakeMedia) Request() { m.record("fullscreen") }
func (m *fakeMedia) Exit() { m.record("exit-fullscreen") }

func (m *fakeMedia) has(c string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.calls {
		if x == c {
			return true
		}
	}
	return false
}

func newSession(t *testing.T, o Options) (*Session, *fakeClock, *fakeMedia) {
	t.Helper()
	clock := newFakeClock()
	media := &fakeMedia{}
	o.Clock = clock
	o.Media = media
	o.Fullscreen = media
	if o.ID == "" {
		o.ID = "s1"
	}
	s := NewSession(o)
	t.Cleanup(s.Close)
	return s, clock, media
}

func TestSchedulerHidesAfterIdle(t *testing.T) {
	clock := newFakeClock()
	var flips atomic.Int32
	s := NewScheduler(clock, 3*time.Second, func(bool) { flips.Add(1) })
	assert.True(t, s.Visible())

	s.Observe(true, false, false, true)
	clock.Advance(2999 * time.Millisecond)
	assert.True(t, s.Visible())
	clock.Advance(time.Millisecond)
	assert.False(t, s.Visible())
	assert.Equal(t, int32(1), flips.Load())
}

func TestSchedulerActivityRestartsCountdown(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock, 3*time.Second, nil)
	s.Observe(true, false, false, true)

	clock.Advance(2 * time.Second)
	s.Activity()
	clock.Advance(2500 * time.Millisecond)
	assert.True(t, s.Visible())
	clock.Advance(500 * time.Millisecond)
	assert.False(t, s.Visible())

	s.Activity()
	assert.True(t, s.Visible())
	assert.Equal(t, clock.Now(), s.LastActivity())
}

func TestSchedulerHoldConditions(t *testing.T) {
	for name, cond := range map[string][3]bool{
		"paused":   {false, false, false},
		"menuOpen": {true, true, false},
		"hovering": {true, false, true},
	} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := NewScheduler(clock, 3*time.Second, nil)
			s.Observe(cond[0], cond[1], cond[2], true)
			clock.Advance(time.Minute)
			assert.True(t, s.Visible())
		})
	}
}

func TestSchedulerRevealsImmediatelyOnPause(t *testing.T) {
	clock := newFakeClock()
	var last atomic.Bool
	s := NewScheduler(clock, 3*time.Second, func(v bool) { last.Store(v) })
	s.Observe(true, false, false, true)
	clock.Advance(3 * time.Second)
	require.False(t, s.Visible())

	s.Observe(false, false, false, false)
	assert.True(t, s.Visible())
	assert.True(t, last.Load())
}

func TestSchedulerStop(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock, time.Second, nil)
	s.Observe(true, false, false, true)
	s.Stop()
	clock.Advance(time.Minute)
	assert.True(t, s.Visible())
}

func TestSeekToPercent(t *testing.T) {
	s, _, _ := newSession(t, Options{})
	require.NoError(t, s.SeekToPercent(50))
	cur, _ := s.Position()
	assert.Zero(t, cur, "no-op before duration is known")

	for _, d := range []time.Duration{time.Second, 90 * time.Second, 2*time.Hour + 49*time.Minute} {
		s.OnDurationChange(d)
		for _, p := range []float64{0, 0.5, 25, 33.3, 99.99, 100} {
			require.NoError(t, s.SeekToPercent(p))
			cur, _ := s.Position()
			assert.InDelta(t, p/100*d.Seconds(), cur.Seconds(), 1e-6)
		}
		require.NoError(t, s.SeekToPercent(140))
		cur, _ := s.Position()
		assert.Equal(t, d, cur)
		require.NoError(t, s.SeekToPercent(-3))
		cur, _ = s.Position()
		assert.Zero(t, cur)
	}
}

func TestSkipClamps(t *testing.T) {
	s, _, media := newSession(t, Options{})
	s.OnDurationChange(30 * time.Second)
	s.OnTimeUpdate(25 * time.Second)

	require.NoError(t, s.Skip(10*time.Second))
	cur, dur := s.Position()
	assert.Equal(t, dur, cur)

	require.NoError(t, s.Skip(-45*time.Second))
	cur, _ = s.Position()
	assert.Zero(t, cur)
	assert.True(t, media.has("seek"))

	require.NoError(t, s.Skip(time.Duration(math.MaxInt64)))
	cur, dur = s.Position()
	assert.Equal(t, dur, cur)
	require.NoError(t, s.Skip(time.Duration(math.MinInt64)))
	cur, _ = s.Position()
	assert.Zero(t, cur)
}

func TestSubtitleShowsImmediatelyOnSelect(t *testing.T) {
	s, _, _ := newSession(t, Options{Tracks: map[string]*subtitles.Track{
		"English": subtitles.NewTrack("English", []subtitles.Cue{{Start: 5 * time.Second, End: 8 * time.Second, Text: "Welcome..."}}),
	}})
	s.OnTimeUpdate(6 * time.Second)
	assert.Empty(t, s.Snapshot().Caption)

	require.NoError(t, s.SelectSubtitle("English"))
	snap := s.Snapshot()
	assert.Equal(t, "Welcome...", snap.Caption)
	assert.Equal(t, "English", snap.Subtitle)

	require.NoError(t, s.SelectSubtitle(subtitles.Off))
	assert.Empty(t, s.Snapshot().Caption)
	assert.ErrorIs(t, s.SelectSubtitle("Elvish"), ErrUnknownLanguage)
}

func TestMenusAreExclusive(t *testing.T) {
	s, _, _ := newSession(t, Options{})
	require.NoError(t, s.ToggleMenu(MenuQuality))
	require.NoError(t, s.ToggleMenu(MenuSpeed))
	assert.Equal(t, MenuSpeed, s.Snapshot().Menu)

	require.NoError(t, s.ToggleMenu(MenuSpeed))
	assert.Equal(t, MenuNone, s.Snapshot().Menu)

	require.NoError(t, s.ToggleMenu(MenuQuality))
	require.NoError(t, s.SelectQuality("720p"))
	snap := s.Snapshot()
	assert.Equal(t, MenuNone, snap.Menu)
	assert.Equal(t, "720p", snap.Quality)

	require.NoError(t, s.ToggleMenu(MenuAudio))
	require.NoError(t, s.SelectAudioPreset(audiofx.BassBoost))
	snap = s.Snapshot()
	assert.Equal(t, MenuNone, snap.Menu)
	assert.Equal(t, audiofx.BassBoost, snap.AudioPreset)
	assert.Equal(t, audiofx.Gains{Bass: 10, Treble: -2}, snap.AudioGains)

	require.NoError(t, s.ToggleMenu(MenuSubtitles))
	require.NoError(t, s.Toggle())
	assert.Equal(t, MenuNone, s.Snapshot().Menu)
	assert.ErrorIs(t, s.SelectQuality("8K"), ErrUnknownQuality)
}

func TestVolumeAndMute(t *testing.T) {
	s, _, _ := newSession(t, Options{})
	require.NoError(t, s.SetVolume(0.6))
	require.NoError(t, s.ToggleMute())
	snap := s.Snapshot()
	assert.True(t, snap.Muted)
	assert.Equal(t, 0.6, snap.Volume)
	assert.Zero(t, snap.EffectiveVolume)

	require.NoError(t, s.SetVolume(0))
	assert.True(t, s.Snapshot().Muted)
	require.NoError(t, s.SetVolume(1.7))
	snap = s.Snapshot()
	assert.False(t, snap.Muted)
	assert.Equal(t, 1.0, snap.EffectiveVolume)
}

func TestRates(t *testing.T) {
	s, _, _ := newSession(t, Options{})
	require.NoError(t, s.ToggleMenu(MenuSpeed))
	require.NoError(t, s.SetRate(1.5))
	snap := s.Snapshot()
	assert.Equal(t, 1.5, snap.Rate)
	assert.Equal(t, MenuNone, snap.Menu)
	assert.ErrorIs(t, s.SetRate(3), ErrInvalidRate)
	assert.Equal(t, 1.5, s.Snapshot().Rate)
}

func TestFullscreenResync(t *testing.T) {
	s, _, media := newSession(t, Options{})
	require.NoError(t, s.ToggleFullscreen())
	assert.True(t, s.Snapshot().Fullscreen)
	assert.True(t, media.has("fullscreen"))

	// user leaves fullscreen with an OS gesture
	s.OnFullscreenChange(false)
	assert.False(t, s.Snapshot().Fullscreen)

	require.NoError(t, s.ToggleFullscreen())
	assert.True(t, s.Snapshot().Fullscreen)
}

func TestKeyboard(t *testing.T) {
	var back atomic.Int32
	s, _, media := newSession(t, Options{OnBack: func() { back.Add(1) }})
	s.OnDurationChange(time.Minute)
	s.OnTimeUpdate(30 * time.Second)

	mapped, err := s.HandleKey(" ", false)
	require.NoError(t, err)
	assert.True(t, mapped)
	assert.True(t, s.Snapshot().Playing)
	_, _ = s.HandleKey("K", false)
	assert.False(t, s.Snapshot().Playing)

	_, _ = s.HandleKey("ArrowRight", false)
	cur, _ := s.Position()
	assert.Equal(t, 40*time.Second, cur)
	_, _ = s.HandleKey("ArrowLeft", false)
	_, _ = s.HandleKey("ArrowLeft", false)
	cur, _ = s.Position()
	assert.Equal(t, 20*time.Second, cur)

	_, _ = s.HandleKey("m", false)
	assert.True(t, s.Snapshot().Muted)

	mapped, _ = s.HandleKey("m", true)
	assert.False(t, mapped)
	assert.True(t, s.Snapshot().Muted, "ignored while typing")

	_, _ = s.HandleKey("f", false)
	assert.True(t, media.has("fullscreen"))

	require.NoError(t, s.ToggleMenu(MenuQuality))
	_, _ = s.HandleKey("Escape", false)
	assert.Equal(t, MenuNone, s.Snapshot().Menu)
	assert.True(t, s.Snapshot().Fullscreen)
	_, _ = s.HandleKey("Escape", false)
	assert.False(t, s.Snapshot().Fullscreen)
	assert.True(t, media.has("exit-fullscreen"))
	assert.Zero(t, back.Load())
	_, _ = s.HandleKey("Escape", false)
	assert.Equal(t, int32(1), back.Load())

	mapped, err = s.HandleKey("q", false)
	require.NoError(t, err)
	assert.False(t, mapped)
}

func TestControlsFollowPlayback(t *testing.T) {
	s, clock, _ := newSession(t, Options{})
	require.NoError(t, s.Play())
	clock.Advance(3 * time.Second)
	assert.False(t, s.Snapshot().ControlsVisible)

	s.PointerActivity()
	assert.True(t, s.Snapshot().ControlsVisible)
	clock.Advance(3 * time.Second)
	require.False(t, s.Snapshot().ControlsVisible)

	require.NoError(t, s.Pause())
	assert.True(t, s.Snapshot().ControlsVisible)

	require.NoError(t, s.Play())
	s.SetHovering(true)
	clock.Advance(10 * time.Second)
	assert.True(t, s.Snapshot().ControlsVisible)
	s.SetHovering(false)
	clock.Advance(3 * time.Second)
	assert.False(t, s.Snapshot().ControlsVisible)

	s.OnEnded()
	snap := s.Snapshot()
	assert.False(t, snap.Playing)
	assert.True(t, snap.ControlsVisible)
}

func TestMediaErrorIsTerminal(t *testing.T) {
	s, _, _ := newSession(t, Options{})
	require.NoError(t, s.Play())
	s.OnMediaError("MEDIA_ERR_SRC_NOT_SUPPORTED")

	snap := s.Snapshot()
	assert.False(t, snap.Playing)
	assert.Contains(t, snap.Error, "playback failed")
	assert.ErrorIs(t, s.Play(), ErrPlaybackFailed)
	assert.ErrorIs(t, s.Toggle(), ErrPlaybackFailed)
}

type nopSource struct{}

func (nopSource) Stream(samples [][2]float64) (int, bool) {
	clear(samples)
	return len(samples), true
}

func (nopSource) Err() error { return nil }
func (nopSource) Len() int { return 0 }
func (nopSource) Position() int { return 0 }
func (nopSource) Seek(int) error { return nil }
func (nopSource) Close() error { return nil }

func TestAudioGraphBuiltOnce(t *testing.T) {
	var builds atomic.Int32
	enh := audiofx.NewEnhancer(func(string) (beep.StreamSeekCloser, beep.Format, error) {
		builds.Add(1)
		return nopSource{}, beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 2}, nil
	})
	s, _, _ := newSession(t, Options{Audio: enh, Locator: "movie.wav"})

	require.NoError(t, s.Play())
	require.NoError(t, s.Pause())
	require.NoError(t, s.Play())
	assert.Eventually(t, enh.Available, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), builds.Load())

	s.Close()
	assert.False(t, enh.Available())
}

func TestSlowAudioBuildKeepsControlsResponsive(t *testing.T) {
	release := make(chan struct{})
	enh := audiofx.NewEnhancer(func(string) (beep.StreamSeekCloser, beep.Format, error) {
		<-release
		return nopSource{}, beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 2}, nil
	})
	s, _, _ := newSession(t, Options{Audio: enh, Locator: "https://cdn.example/stall.mp3"})
	s.OnDurationChange(time.Hour)
	require.NoError(t, s.Play())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Skip(10 * time.Second)
		_ = s.SetVolume(0.3)
		_ = s.SelectAudioPreset(audiofx.VocalBoost)
		_ = s.Snapshot()
		_ = s.Pause()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controls blocked while the audio graph was building")
	}
	assert.InDelta(t, 10, s.Snapshot().CurrentTime, 1e-9)

	close(release)
	assert.Eventually(t, enh.Available, time.Second, 5*time.Millisecond)
	assert.Equal(t, audiofx.VocalBoost, enh.Graph().Preset())
}

func TestCloseSavesPosition(t *testing.T) {
	saved := make(chan time.Duration, 4)
	s, _, _ := newSession(t, Options{ItemID: "m1", SavePosition: func(item string, pos, _ time.Duration) {
		if item == "m1" {
			saved <- pos
		}
	}})
	s.OnDurationChange(time.Hour)
	s.OnTimeUpdate(42 * time.Second)
	s.Close()
	s.Close()

	select {
	case pos := <-saved:
		assert.Equal(t, 42*time.Second, pos)
	case <-time.After(time.Second):
		t.Fatal("position not saved")
	}
	assert.ErrorIs(t, s.Play(), ErrClosed)
}

func TestMenuText(t *testing.T) {
	m, err := ParseMenu("subtitles")
	require.NoError(t, err)
	assert.Equal(t, MenuSubtitles, m)
	b, _ := MenuAudio.MarshalText()
	assert.Equal(t, "audio", string(b))
	_, err = ParseMenu("settings")
	assert.Error(t, err)
}

package playback

import (
	"time"

	"vod-engine/internal/audiofx"
)

// Snapshot is the render state pushed to the view.
type Snapshot struct {
	ID              string         `json:"id"`
	ItemID          string         `json:"itemId,omitempty"`
	Locator         string         `json:"src"`
	CurrentTime     float64        `json:"currentTime"`
	Duration        float64        `json:"duration"`
	Progress        float64        `json:"progress"`
	Playing         bool           `json:"playing"`
	Volume          float64        `json:"volume"`
	Muted           bool           `json:"muted"`
	EffectiveVolume float64        `json:"effectiveVolume"`
	Rate            float64        `json:"rate"`
	Fullscreen      bool           `json:"fullscreen"`
	Menu            Menu           `json:"menu"`
	Quality         string         `json:"quality"`
	Subtitle        string         `json:"subtitle"`
	Caption         string         `json:"caption"`
	AudioPreset     audiofx.Preset `json:"audioPreset"`
	AudioGains      audiofx.Gains  `json:"audioGains"`
	AudioEnhanced   bool           `json:"audioEnhanced"`
	ControlsVisible bool           `json:"controlsVisible"`
	Error           string         `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:          s.id,
		ItemID:      s.itemID,
		Locator:     s.locator,
		CurrentTime: s.current.Seconds(),
		Duration:    s.duration.Seconds(),
		Playing:     s.playing,
		Volume:      s.volume,
		Muted:       s.muted,
		Rate:        s.rate,
		Fullscreen:  s.fullscreen,
		Menu:        s.menu,
		Quality:     s.quality,
		Subtitle:    s.subs.Language(),
		Caption:     s.subs.Text(),
	}
	if s.duration > 0 {
		snap.Progress = float64(s.current) / float64(s.duration) * 100
	}
	if s.failure != nil {
		snap.Error = s.failure.Error()
	}
	s.mu.Unlock()

	snap.EffectiveVolume = EffectiveVolume(snap.Volume, snap.Muted)
	snap.AudioPreset = s.audio.Preset()
	snap.AudioGains = s.audio.Targets()
	snap.AudioEnhanced = s.audio.Available()
	snap.ControlsVisible = s.vis.Visible()
	return snap
}

// EffectiveVolume is what the listener hears: muted is always silence.
func EffectiveVolume(volume float64, muted bool) float64 {
	if muted {
		return 0
	}
	return volume
}

// Position returns the current time and duration.
func (s *Session) Position() (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.duration
}

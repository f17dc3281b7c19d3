package playback

import (
	"strings"
	"time"
)

// SkipStep is how far the arrow keys move.
const SkipStep = 10 * time.Second

// HandleKey applies one key press. Keys are matched case-insensitively
// against DOM key names. Nothing happens while a text input has focus.
// It reports whether the key was mapped.
func (s *Session) HandleKey(key string, inputFocused bool) (bool, error) {
	if inputFocused {
		return false, nil
	}
	var back bool
	mapped := true
	err := s.do(true, func() error {
		switch strings.ToLower(key) {
		case " ", "space", "k":
			s.toggle()
		case "arrowleft":
			s.skip(-SkipStep)
		case "arrowright":
			s.skip(SkipStep)
		case "f":
			s.toggleFullscreen()
		case "m":
			s.toggleMute()
		case "escape":
			switch {
			case s.menu != MenuNone:
				s.menu = MenuNone
			case s.fullscreen:
				s.toggleFullscreen()
			default:
				back = true
			}
		default:
			mapped = false
		}
		return nil
	})
	if back && err == nil && s.onBack != nil {
		s.onBack()
	}
	return mapped, err
}

// PointerActivity records a pointer move, click or touch start.
func (s *Session) PointerActivity() {
	_ = s.do(true, func() error { return nil })
}

// SetHovering records whether the pointer rests over the controls.
func (s *Session) SetHovering(over bool) {
	_ = s.do(false, func() error {
		s.hovering = over
		return nil
	})
}

// ClickSurface is a click on the video itself: activity plus toggle.
func (s *Session) ClickSurface() error { return s.Toggle() }

package playback

import "fmt"

// Menu is the overlay menu currently open. Only one can be open.
type Menu int

const (
	MenuNone Menu = iota
	MenuQuality
	MenuSubtitles
	MenuSpeed
	MenuAudio
)

var menuNames = [...]string{"none", "quality", "subtitles", "speed", "audio"}

func (m Menu) String() string {
	if m < 0 || int(m) >= len(menuNames) {
		return fmt.Sprintf("menu(%d)", int(m))
	}
	return menuNames[m]
}

func ParseMenu(s string) (Menu, error) {
	for i, n := range menuNames {
		if n == s {
			return Menu(i), nil
		}
	}
	return MenuNone, fmt.Errorf("unknown menu %q", s)
}

func (m Menu) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Menu) UnmarshalText(b []byte) error {
	v, err := ParseMenu(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

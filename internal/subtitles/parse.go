package subtitles

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	srtTimeRe = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}),(\d{3})\s*-->\s*(\d{2}:\d{2}:\d{2}),(\d{3})`)
	cueNumRe  = regexp.MustCompile(`^\d+$`)
	vttTimeRe = regexp.MustCompile(`^((?:\d+:)?\d{2}:\d{2}\.\d{3})\s+-->\s+((?:\d+:)?\d{2}:\d{2}\.\d{3})`)
	tagRe     = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// SRTtoVTT converts SRT subtitles to WebVTT.
func SRTtoVTT(srt string) string {
	var vtt strings.Builder
	vtt.WriteString("WEBVTT\n\n")
	lines := strings.Split(strings.ReplaceAll(srt, "\r\n", "\n"), "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		switch {
		case cueNumRe.MatchString(line):
			continue
		case line == "":
			if vtt.Len() > len("WEBVTT\n\n") {
				vtt.WriteString("\n")
			}
		case srtTimeRe.MatchString(line):
			vtt.WriteString(srtTimeRe.ReplaceAllString(line, "$1.$2 --> $3.$4"))
			vtt.WriteString("\n")
		default:
			vtt.WriteString(line)
			vtt.WriteString("\n")
		}
	}
	return vtt.String()
}

// ParseVTT reads WebVTT cues. Cue settings and inline tags are dropped;
// multi-line cue text is joined with newlines.
func ParseVTT(src string) ([]Cue, error) {
	src = strings.TrimPrefix(strings.ReplaceAll(src, "\r\n", "\n"), "\ufeff")
	if !strings.HasPrefix(strings.TrimSpace(src), "WEBVTT") {
		return nil, fmt.Errorf("not a WebVTT document")
	}
	var (
		cues []Cue
		cur  *Cue
		text []string
	)
	flush := func() {
		if cur != nil {
			cur.Text = tagRe.ReplaceAllString(strings.Join(text, "\n"), "")
			cues = append(cues, *cur)
		}
		cur, text = nil, nil
	}
	for _, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		if m := vttTimeRe.FindStringSubmatch(line); m != nil {
			flush()
			start, err := parseTimestamp(m[1])
			if err != nil {
				return nil, err
			}
			end, err := parseTimestamp(m[2])
			if err != nil {
				return nil, err
			}
			cur = &Cue{Start: start, End: end}
			continue
		}
		if cur != nil {
			text = append(text, line)
		}
	}
	flush()
	return cues, nil
}

// Parse accepts WebVTT or SRT.
func Parse(src string) ([]Cue, error) {
	if strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(src, "\ufeff")), "WEBVTT") {
		return ParseVTT(src)
	}
	return ParseVTT(SRTtoVTT(src))
}

// parseTimestamp reads [hh:]mm:ss.mmm.
func parseTimestamp(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	var h, m int
	var sec float64
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", s, err)
		}
		parts = parts[1:]
		fallthrough
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", s, err)
		}
		if sec, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", s, err)
		}
	default:
		return 0, fmt.Errorf("timestamp %q: bad format", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)).Round(time.Millisecond), nil
}

// VTT renders the track as a WebVTT document.
func (tr *Track) VTT() string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	if tr == nil {
		return b.String()
	}
	for i, c := range tr.Cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatTimestamp(c.Start), formatTimestamp(c.End), c.Text)
	}
	return b.String()
}

func formatTimestamp(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}

package audiofx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

var ErrUnsupportedAudio = errors.New("audio source cannot be decoded")

// Opener opens the raw bytes behind a source locator.
type Opener func(locator string) (io.ReadCloser, error)

// SourceFactory turns a locator into a decoded stream.
type SourceFactory func(locator string) (beep.StreamSeekCloser, beep.Format, error)

// DecoderFactory sniffs the container and decodes WAV or MP3.
func DecoderFactory(open Opener) SourceFactory {
	return func(locator string) (beep.StreamSeekCloser, beep.Format, error) {
		rc, err := open(locator)
		if err != nil {
			return nil, beep.Format{}, err
		}
		br := bufio.NewReader(rc)
		head, _ := br.Peek(12)
		body := struct {
			io.Reader
			io.Closer
		}{br, rc}

		var (
			s      beep.StreamSeekCloser
			format beep.Format
		)
		switch {
		case len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
			s, format, err = wav.Decode(body)
		case looksLikeMP3(head):
			s, format, err = mp3.Decode(body)
		default:
			_ = rc.Close()
			return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupportedAudio, locator)
		}
		if err != nil {
			_ = rc.Close()
			return nil, beep.Format{}, fmt.Errorf("decode %s: %w", locator, err)
		}
		return s, format, nil
	}
}

func looksLikeMP3(head []byte) bool {
	if len(head) >= 3 && string(head[:3]) == "ID3" {
		return true
	}
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

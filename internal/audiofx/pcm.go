package audiofx

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
)

// L16ContentType describes the stream written by WriteL16.
func L16ContentType(sampleRate int) string {
	return "audio/L16;rate=" + strconv.Itoa(sampleRate) + ";channels=2"
}

// EncodeL16 writes samples as interleaved signed 16-bit big-endian PCM
// into dst and returns the bytes used. dst needs 4 bytes per sample.
func EncodeL16(dst []byte, samples [][2]float64) int {
	off := 0
	for _, s := range samples {
		for ch := 0; ch < 2; ch++ {
			v := math.Max(-1, math.Min(1, s[ch]))
			binary.BigEndian.PutUint16(dst[off:], uint16(int16(v*math.MaxInt16)))
			off += 2
		}
	}
	return off
}

// WriteL16 pulls from g until it drains, ctx ends or w fails. flush runs
// after every block when non-nil.
func WriteL16(ctx context.Context, w io.Writer, g *Graph, flush func()) error {
	samples := make([][2]float64, 1024)
	buf := make([]byte, len(samples)*4)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, ok := g.Stream(samples)
		if n > 0 {
			m := EncodeL16(buf, samples[:n])
			if _, err := w.Write(buf[:m]); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
		if !ok {
			return g.Err()
		}
	}
}

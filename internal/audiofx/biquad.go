package audiofx

import (
	"math"

	"github.com/gopxl/beep/v2"
)

type filterKind int

const (
	lowShelf filterKind = iota
	peaking
	highShelf
)

// coeffs are normalized so a0 == 1.
type coeffs struct {
	b0, b1, b2, a1, a2 float64
}

// design returns RBJ cookbook coefficients. Shelves use slope 1.
func design(kind filterKind, sampleRate, freq, q, gainDB float64) coeffs {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w0), math.Sin(w0)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case peaking:
		alpha := sinw / (2 * q)
		b0 = 1 + alpha*a
		b1 = -2 * cosw
		b2 = 1 - alpha*a
		a0 = 1 + alpha/a
		a1 = -2 * cosw
		a2 = 1 - alpha/a
	case lowShelf:
		alpha := sinw / 2 * math.Sqrt2
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) - (a-1)*cosw + sq)
		b1 = 2 * a * ((a - 1) - (a+1)*cosw)
		b2 = a * ((a + 1) - (a-1)*cosw - sq)
		a0 = (a + 1) + (a-1)*cosw + sq
		a1 = -2 * ((a - 1) + (a+1)*cosw)
		a2 = (a + 1) + (a-1)*cosw - sq
	case highShelf:
		alpha := sinw / 2 * math.Sqrt2
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) + (a-1)*cosw + sq)
		b1 = -2 * a * ((a - 1) + (a+1)*cosw)
		b2 = a * ((a + 1) + (a-1)*cosw - sq)
		a0 = (a + 1) - (a-1)*cosw + sq
		a1 = 2 * ((a - 1) - (a+1)*cosw)
		a2 = (a + 1) - (a-1)*cosw - sq
	}
	return coeffs{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// ramp moves a gain linearly toward its target, measured in samples.
type ramp struct {
	current, target, step float64
	remaining           int
}

func (r *ramp) set(target float64, samples int) {
	r.target = target
	if samples <= 0 || target == r.current {
		r.current, r.remaining, r.step = target, 0, 0
		return
	}
	r.remaining = samples
	r.step = (target - r.current) / float64(samples)
}

func (r *ramp) advance(n int) {
	if r.remaining == 0 {
		return
	}
	if n >= r.remaining {
		r.current, r.remaining = r.target, 0
		return
	}
	r.current += r.step * float64(n)
	r.remaining -= n
}

// stage is one biquad filter in the chain. Its gain follows g, and
// coefficients are recomputed once per block while the ramp is moving.
type stage struct {
	src        beep.Streamer
	kind       filterKind
	freq, q    float64
	sampleRate float64
	g          *ramp

	c        coeffs
	designed float64
	valid    bool
	x1, x2   [2]float64
	y1, y2   [2]float64
}

func newStage(src beep.Streamer, kind filterKind, sr beep.SampleRate, freq, q float64, g *ramp) *stage {
	return &stage{src: src, kind: kind, freq: freq, q: q, sampleRate: float64(sr), g: g}
}

func (s *stage) Stream(samples [][2]float64) (int, bool) {
	n, ok := s.src.Stream(samples)
	for off := 0; off < n; off += blockSize {
		end := min(off+blockSize, n)
		s.g.advance(end - off)
		if !s.valid || s.designed != s.g.current {
			s.c = design(s.kind, s.sampleRate, s.freq, s.q, s.g.current)
			s.designed, s.valid = s.g.current, true
		}
		s.process(samples[off:end])
	}
	return n, ok
}

func (s *stage) process(block [][2]float64) {
	c := s.c
	for i := range block {
		for ch := 0; ch < 2; ch++ {
			x := block[i][ch]
			y := c.b0*x + c.b1*s.x1[ch] + c.b2*s.x2[ch] - c.a1*s.y1[ch] - c.a2*s.y2[ch]
			s.x2[ch], s.x1[ch] = s.x1[ch], x
			s.y2[ch], s.y1[ch] = s.y1[ch], y
			block[i][ch] = y
		}
	}
}

func (s *stage) Err() error { return s.src.Err() }

func (s *stage) reset() {
	s.x1, s.x2, s.y1, s.y2 = [2]float64{}, [2]float64{}, [2]float64{}, [2]float64{}
}

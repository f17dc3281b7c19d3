// Package audiofx is the per-session audio enhancement graph: three
// cascaded biquads (bass shelf, vocal peak, treble shelf) between the
// decoded source and a volume sink, switched between named presets.
package audiofx

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

const (
	BassFreq     = 200.0
	VocalFreq    = 1500.0
	VocalQ       = 1.0
	TrebleFreq   = 3000.0
	RampDuration = 500 * time.Millisecond

	blockSize = 64
)

var ErrUnknownPreset = errors.New("unknown audio preset")

type Preset string

const (
	Standard    Preset = "Standard"
	BassBoost   Preset = "Bass Boost"
	VocalBoost  Preset = "Vocal Boost"
	TrebleBoost Preset = "Treble Boost"
)

// Gains are per-stage gains in dB.
type Gains struct {
	Bass   float64 `json:"bass"`
	Vocal  float64 `json:"vocal"`
	Treble float64 `json:"treble"`
}

var presetGains = map[Preset]Gains{
	Standard:    {0, 0, 0},
	BassBoost:   {10, 0, -2},
	VocalBoost:  {-5, 8, 2},
	TrebleBoost: {0, 0, 8},
}

// Presets lists the presets in menu order.
func Presets() []Preset { return []Preset{Standard, BassBoost, VocalBoost, TrebleBoost} }

func (p Preset) Gains() (Gains, error) {
	g, ok := presetGains[p]
	if !ok {
		return Gains{}, fmt.Errorf("%w: %q", ErrUnknownPreset, p)
	}
	return g, nil
}

// Graph is a beep.Streamer. Stream and the setters are safe to call from
// different goroutines.
type Graph struct {
	mu     sync.Mutex
	src    beep.Streamer
	format beep.Format
	preset Preset
	gains  [3]ramp
	stages [3]*stage
	vol    *effects.Volume
	out    beep.Streamer
}

// NewGraph wires src through the filter chain. The initial preset is
// applied without a ramp.
func NewGraph(src beep.Streamer, format beep.Format, preset Preset) (*Graph, error) {
	g0, err := preset.Gains()
	if err != nil {
		return nil, err
	}
	g := &Graph{src: src, format: format, preset: preset}
	g.gains[0].set(g0.Bass, 0)
	g.gains[1].set(g0.Vocal, 0)
	g.gains[2].set(g0.Treble, 0)

	sr := format.SampleRate
	g.stages[0] = newStage(src, lowShelf, sr, BassFreq, 0, &g.gains[0])
	g.stages[1] = newStage(g.stages[0], peaking, sr, VocalFreq, VocalQ, &g.gains[1])
	g.stages[2] = newStage(g.stages[1], highShelf, sr, TrebleFreq, 0, &g.gains[2])
	g.vol = &effects.Volume{Streamer: g.stages[2], Base: 2}
	g.out = g.vol
	return g, nil
}

func (g *Graph) Format() beep.Format { return g.format }

func (g *Graph) Stream(samples [][2]float64) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out.Stream(samples)
}

func (g *Graph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out.Err()
}

// SetPreset ramps every stage to the preset's gains over RampDuration.
func (g *Graph) SetPreset(p Preset) error {
	target, err := p.Gains()
	if err != nil {
		return err
	}
	n := g.format.SampleRate.N(RampDuration)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preset = p
	g.gains[0].set(target.Bass, n)
	g.gains[1].set(target.Vocal, n)
	g.gains[2].set(target.Treble, n)
	return nil
}

func (g *Graph) Preset() Preset {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preset
}

// Current returns the gains in effect right now, mid-ramp included.
func (g *Graph) Current() Gains {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Gains{g.gains[0].current, g.gains[1].current, g.gains[2].current}
}

func (g *Graph) Targets() Gains {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Gains{g.gains[0].target, g.gains[1].target, g.gains[2].target}
}

// SetVolume applies a linear volume in [0,1]. Muted or zero is silence.
func (g *Graph) SetVolume(v float64, muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vol.Silent = muted || v <= 0
	if !g.vol.Silent {
		g.vol.Volume = math.Log2(math.Min(v, 1))
	}
}

// Seek moves the source to d when it supports seeking and clears filter
// history so no tail from the old position leaks through.
func (g *Graph) Seek(d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.src.(beep.StreamSeeker)
	if !ok {
		return nil
	}
	pos := g.format.SampleRate.N(d)
	if pos < 0 {
		pos = 0
	}
	if l := s.Len(); pos > l {
		pos = l
	}
	for _, st := range g.stages {
		st.reset()
	}
	return s.Seek(pos)
}

func (g *Graph) Close() error {
	if c, ok := g.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

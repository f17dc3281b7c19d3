package audiofx

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"vod-engine/internal/metrics"
)

var ErrGraphUnavailable = errors.New("audio enhancement unavailable")

// Enhancer owns at most one Graph for a session. The graph is built on
// the first Ensure call; later calls reuse it, and a failed build leaves
// enhancement off for the rest of the session. The build runs outside mu,
// so volume, preset and seek calls never wait on a slow source.
type Enhancer struct {
	factory SourceFactory
	once    sync.Once

	mu       sync.Mutex
	released bool
	err      error
	graph    *Graph
	preset   Preset
	volume   float64
	muted    bool
}

func NewEnhancer(factory SourceFactory) *Enhancer {
	return &Enhancer{factory: factory, preset: Standard, volume: 1}
}

// Ensure builds the graph for locator on first use and returns it, or nil
// when enhancement is unavailable. Concurrent callers wait for the one
// build in progress.
func (e *Enhancer) Ensure(locator string) *Graph {
	e.once.Do(func() { e.build(locator) })
	return e.Graph()
}

func (e *Enhancer) build(locator string) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	preset := e.preset
	e.mu.Unlock()

	if e.factory == nil {
		e.fail(fmt.Errorf("%w: no audio source", ErrGraphUnavailable))
		return
	}
	src, format, err := e.factory(locator)
	if err != nil {
		e.fail(fmt.Errorf("%w: %v", ErrGraphUnavailable, err))
		log.Printf("[audio] enhancement unavailable for %s: %v", locator, err)
		return
	}
	g, err := NewGraph(src, format, preset)
	if err != nil {
		_ = src.Close()
		e.fail(fmt.Errorf("%w: %v", ErrGraphUnavailable, err))
		log.Printf("[audio] graph build failed: %v", err)
		return
	}

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		_ = g.Close()
		return
	}
	g.SetVolume(e.volume, e.muted)
	if e.preset != preset {
		_ = g.SetPreset(e.preset)
	}
	e.graph = g
	e.mu.Unlock()
	log.Printf("[audio] graph ready (%d Hz, preset %s)", format.SampleRate, preset)
}

func (e *Enhancer) fail(err error) {
	metrics.AudioGraphFailures.Inc()
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Enhancer) Graph() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

func (e *Enhancer) Available() bool { return e.Graph() != nil }

// Err reports why the graph could not be built. It wraps
// ErrGraphUnavailable and is nil until a build has failed.
func (e *Enhancer) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// SetPreset records p and ramps the graph to it when one exists.
func (e *Enhancer) SetPreset(p Preset) error {
	if _, err := p.Gains(); err != nil {
		return err
	}
	e.mu.Lock()
	e.preset = p
	g := e.graph
	e.mu.Unlock()
	if g != nil {
		return g.SetPreset(p)
	}
	return nil
}

func (e *Enhancer) Preset() Preset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preset
}

// Targets reports the gains the graph is heading to, or the preset's
// gains before the graph exists.
func (e *Enhancer) Targets() Gains {
	if g := e.Graph(); g != nil {
		return g.Targets()
	}
	gains, _ := e.Preset().Gains()
	return gains
}

func (e *Enhancer) SetVolume(v float64, muted bool) {
	e.mu.Lock()
	e.volume, e.muted = v, muted
	g := e.graph
	e.mu.Unlock()
	if g != nil {
		g.SetVolume(v, muted)
	}
}

func (e *Enhancer) Seek(d time.Duration) {
	if g := e.Graph(); g != nil {
		if err := g.Seek(d); err != nil {
			log.Printf("[audio] seek: %v", err)
		}
	}
}

// Release closes the graph. The enhancer stays spent afterwards; a build
// still in progress discards its graph when it finishes.
func (e *Enhancer) Release() {
	e.mu.Lock()
	g := e.graph
	e.graph = nil
	e.released = true
	e.mu.Unlock()
	if g != nil {
		_ = g.Close()
	}
}

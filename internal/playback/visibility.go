package playback

import (
	"sync"
	"time"
)

// DefaultHideAfter is how long controls stay up after the last activity.
const DefaultHideAfter = 3 * time.Second

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// Scheduler decides whether the transport controls are visible.
//
// Controls hide only while playing, with no menu open and no pointer over
// them, once hideAfter has passed since the last activity. Any activity or
// any change into a paused, menu-open or hovering condition shows them
// again at once. onChange runs outside the scheduler's lock.
type Scheduler struct {
	mu        sync.Mutex
	clock     Clock
	hideAfter time.Duration
	onChange  func(visible bool)

	playing, menuOpen, hovering bool

	visible      bool
	lastActivity time.Time
	timer        Timer
	gen          uint64
	stopped      bool
}

func NewScheduler(clock Clock, hideAfter time.Duration, onChange func(visible bool)) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if hideAfter <= 0 {
		hideAfter = DefaultHideAfter
	}
	return &Scheduler{
		clock:        clock,
		hideAfter:    hideAfter,
		onChange:     onChange,
		visible:      true,
		lastActivity: clock.Now(),
	}
}

func (s *Scheduler) eligible() bool { return s.playing && !s.menuOpen && !s.hovering }

// Observe feeds the current playback conditions. activity marks a
// qualifying user event. Controls are shown and the countdown restarts
// whenever either changes.
func (s *Scheduler) Observe(playing, menuOpen, hovering, activity bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	changed := playing != s.playing || menuOpen != s.menuOpen || hovering != s.hovering
	s.playing, s.menuOpen, s.hovering = playing, menuOpen, hovering
	if !changed && !activity {
		s.mu.Unlock()
		return
	}
	if activity {
		s.lastActivity = s.clock.Now()
	}
	flipped := s.setVisible(true)
	s.arm()
	s.mu.Unlock()
	s.notify(flipped, true)
}

// Activity is Observe with unchanged conditions.
func (s *Scheduler) Activity() {
	s.mu.Lock()
	p, m, h := s.playing, s.menuOpen, s.hovering
	s.mu.Unlock()
	s.Observe(p, m, h, true)
}

// arm cancels any pending hide and schedules a new one when eligible.
func (s *Scheduler) arm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if !s.eligible() {
		return
	}
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.hideAfter, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen || !s.eligible() {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	flipped := s.setVisible(false)
	s.mu.Unlock()
	s.notify(flipped, false)
}

func (s *Scheduler) setVisible(v bool) bool {
	if s.visible == v {
		return false
	}
	s.visible = v
	return true
}

func (s *Scheduler) notify(flipped, v bool) {
	if flipped && s.onChange != nil {
		s.onChange(v)
	}
}

func (s *Scheduler) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// LastActivity reports when the last qualifying event happened.
func (s *Scheduler) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stop clears the pending timer. The scheduler ignores input afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

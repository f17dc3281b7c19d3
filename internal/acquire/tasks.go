package acquire

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vod-engine/pkg/types"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "error"
)

func (s Status) Done() bool { return s == StatusCompleted || s == StatusFailed }

// Task is a snapshot of one download.
type Task struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloading:
		return 1
	}
	return 2
}

// Supersedes reports whether t is a later state of the same task than
// prev. Updates can arrive out of order; a feed drops those that do not.
func (t Task) Supersedes(prev Task) bool {
	if t.Status.rank() != prev.Status.rank() {
		return t.Status.rank() > prev.Status.rank()
	}
	if t.Progress != prev.Progress {
		return t.Progress > prev.Progress
	}
	return t.UpdatedAt.After(prev.UpdatedAt)
}

// Tasks runs downloads in the background and keeps their state until
// Retain has passed after they finish.
type Tasks struct {
	pipeline *Pipeline
	disp     *Dispatcher
	base     context.Context
	Retain   time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewTasks runs downloads under base; cancelling it aborts them.
func NewTasks(base context.Context, p *Pipeline, d *Dispatcher) *Tasks {
	return &Tasks{
		pipeline: p,
		disp:     d,
		base:     base,
		Retain:   time.Minute,
		tasks:    make(map[string]*Task),
	}
}

func (ts *Tasks) Dispatcher() *Dispatcher { return ts.disp }

// Start reserves d.ID and begins the download. It fails with ErrInFlight
// when the id is already downloading.
func (ts *Tasks) Start(locator string, d types.Descriptor) (Task, error) {
	release, err := ts.pipeline.reserve(d.ID)
	if err != nil {
		return Task{}, err
	}
	snap := ts.add(d)

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer release()
		ts.run(snap.ID, func(progress ProgressFunc) error {
			return ts.pipeline.download(ts.base, locator, d, progress)
		})
	}()
	return snap, nil
}

// Ingest stores r under d.ID as a tracked task and returns its final
// state. It runs on the caller's goroutine, since r is usually a request
// body; ctx bounds the copy.
func (ts *Tasks) Ingest(ctx context.Context, r io.Reader, total int64, d types.Descriptor) (Task, error) {
	release, err := ts.pipeline.reserve(d.ID)
	if err != nil {
		return Task{}, err
	}
	defer release()
	snap := ts.add(d)
	err = ts.run(snap.ID, func(progress ProgressFunc) error {
		return ts.pipeline.ingest(ctx, r, total, d, progress)
	})
	final, _ := ts.Get(snap.ID)
	return final, err
}

func (ts *Tasks) add(d types.Descriptor) Task {
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		ItemID:    d.ID,
		Title:     d.Title,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	ts.mu.Lock()
	ts.tasks[t.ID] = t
	snap := *t
	ts.mu.Unlock()
	ts.disp.Publish(snap)
	return snap
}

// run drives one task from downloading to its final state.
func (ts *Tasks) run(id string, transfer func(ProgressFunc) error) error {
	ts.update(id, func(t *Task) { t.Status = StatusDownloading })
	err := transfer(func(pct float64) {
		ts.update(id, func(t *Task) { t.Progress = pct })
	})
	ts.update(id, func(t *Task) {
		if err != nil {
			t.Status = StatusFailed
			t.Error = err.Error()
			return
		}
		t.Status = StatusCompleted
		t.Progress = 100
	})
	time.AfterFunc(ts.Retain, func() { ts.forget(id) })
	return err
}

func (ts *Tasks) update(id string, fn func(*Task)) {
	ts.mu.Lock()
	t, ok := ts.tasks[id]
	if !ok {
		ts.mu.Unlock()
		return
	}
	fn(t)
	t.UpdatedAt = time.Now()
	snap := *t
	ts.mu.Unlock()
	ts.disp.Publish(snap)
}

func (ts *Tasks) forget(id string) {
	ts.mu.Lock()
	delete(ts.tasks, id)
	ts.mu.Unlock()
}

func (ts *Tasks) Get(id string) (Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns known tasks, oldest first.
func (ts *Tasks) List() []Task {
	ts.mu.Lock()
	out := make([]Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		out = append(out, *t)
	}
	ts.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until every started download has returned.
func (ts *Tasks) Wait() { ts.wg.Wait() }

package acquire

import "sync"

// Dispatcher fans task updates out to subscribers.
//
// Each subscriber owns a one-slot mailbox that keeps only the newest update,
// so a slow reader never stalls Publish and never stalls a download.
type Dispatcher struct {
	sync.RWMutex
	subscribers []*subscriber
}

type subscriber struct {
	taskID string
	n      chan Task
	once   sync.Once
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) Publish(t Task) {
	d.RLock()
	defer d.RUnlock()
	for _, s := range d.subscribers {
		if s.taskID != "" && s.taskID != t.ID {
			continue
		}
		select {
		case s.n <- t:
		default:
			// replace the stale update
			select {
			case <-s.n:
			default:
			}
			select {
			case s.n <- t:
			default:
			}
		}
	}
}

// Subscribe delivers updates for taskID ("" for all tasks) on the returned
// channel until cancel is called. Cancelling never touches the download.
func (d *Dispatcher) Subscribe(taskID string) (<-chan Task, func()) {
	s := &subscriber{taskID: taskID, n: make(chan Task, 1)}
	d.Lock()
	d.subscribers = append(d.subscribers, s)
	d.Unlock()
	return s.n, func() { d.unsubscribe(s) }
}

func (d *Dispatcher) unsubscribe(s *subscriber) {
	d.Lock()
	defer d.Unlock()
	for i := range d.subscribers {
		if d.subscribers[i] == s {
			s.once.Do(func() { close(s.n) })
			d.subscribers[i] = d.subscribers[len(d.subscribers)-1]
			d.subscribers[len(d.subscribers)-1] = nil
			d.subscribers = d.subscribers[:len(d.subscribers)-1]
			return
		}
	}
}

func (d *Dispatcher) Len() int {
	d.RLock()
	defer d.RUnlock()
	return len(d.subscribers)
}

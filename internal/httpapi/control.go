package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vod-engine/internal/audiofx"
	"vod-engine/internal/playback"
	"vod-engine/internal/watch"
)

// command is a media instruction for the view's media element.
type command struct {
	Type   string  `json:"type"` // play|pause|seek|volume|rate|fullscreen|exitFullscreen|back
	Time   float64 `json:"time,omitempty"`
	Volume float64 `json:"volume,omitempty"`
	Muted  bool    `json:"muted,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
}

// outbound frames: {"type":"state",...}, {"type":"media",...}, {"type":"error",...}
type outbound struct {
	Type  string             `json:"type"`
	State *playback.Snapshot `json:"state,omitempty"`
	Cmd   *command           `json:"cmd,omitempty"`
	Error string             `json:"error,omitempty"`
}

// inbound is one event from the view.
type inbound struct {
	Type string `json:"type"` // key|pointer|hover|click|control|media

	Key          string `json:"key,omitempty"`
	InputFocused bool   `json:"inputFocused,omitempty"`
	Over         bool   `json:"over,omitempty"`

	Action   string  `json:"action,omitempty"`
	Percent  float64 `json:"percent,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
	Menu     string  `json:"menu,omitempty"`
	Value    string  `json:"value,omitempty"`
	Event    string  `json:"event,omitempty"`
	Time     float64 `json:"time,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Active   bool    `json:"active,omitempty"`
}

// binding connects one session to at most one websocket.
type binding struct {
	id       string
	ctx      context.Context // canceled when the session ends
	cancel   context.CancelFunc
	changed  chan struct{}
	cmds     chan command
	done     chan struct{}
	once     sync.Once
	attached atomic.Bool
}

func newBinding(id string) *binding {
	ctx, cancel := context.WithCancel(context.Background())
	return &binding{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}, 1),
		cmds:    make(chan command, 64),
		done:    make(chan struct{}),
	}
}

// signal never blocks; pending signals coalesce.
func (b *binding) signal() {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *binding) push(c command) {
	select {
	case b.cmds <- c:
	case <-b.done:
	default:
		log.Printf("[session] %s: media command %s dropped (view not draining)", b.id, c.Type)
	}
}

func (b *binding) close() {
	b.once.Do(func() {
		close(b.done)
		b.cancel()
	})
}

type mediaChannel struct{ b *binding }

func (m mediaChannel) Play() { m.b.push(command{Type: "play"}) }
func (m mediaChannel) Pause() { m.b.push(command{Type: "pause"}) }
func (m mediaChannel) Seek(t time.Duration) {
	m.b.push(command{Type: "seek", Time: t.Seconds()})
}
func (m mediaChannel) SetVolume(v float64, muted bool) {
	m.b.push(command{Type: "volume", Volume: v, Muted: muted})
}
func (m mediaChannel) SetRate(r float64) { m.b.push(command{Type: "rate", Rate: r}) }

type fullscreenChannel struct{ b *binding }

func (f fullscreenChannel) Request() { f.b.push(command{Type: "fullscreen"}) }
func (f fullscreenChannel) Exit() { f.b.push(command{Type: "exitFullscreen"}) }

const wsPingEvery = 10 * time.Second

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	b := s.binding(id)
	if !ok || b == nil {
		http.Error(w, watch.ErrNoSession.Error(), http.StatusNotFound)
		return
	}
	if !b.attached.CompareAndSwap(false, true) {
		http.Error(w, "session already has a control channel", http.StatusConflict)
		return
	}
	defer b.attached.Store(false)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[session] %s: ws accept: %v", id, err)
		return
	}
	defer c.CloseNow()
	log.Printf("[session] %s: control channel attached", id)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readControl(ctx, c, sess) })
	g.Go(func() error { return s.writeControl(ctx, c, sess, b) })
	err = g.Wait()

	switch {
	case errors.Is(err, errSessionGone),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
	default:
		log.Printf("[session] %s: control channel: %v", id, err)
	}
}

var errSessionGone = errors.New("session destroyed")

func (s *Server) readControl(ctx context.Context, c *websocket.Conn, sess *playback.Session) error {
	for {
		var in inbound
		if err := wsjson.Read(ctx, c, &in); err != nil {
			return err
		}
		s.sessions.Ping(ctx, sess.ID())
		if err := dispatch(sess, in); err != nil {
			if werr := wsjson.Write(ctx, c, outbound{Type: "error", Error: err.Error()}); werr != nil {
				return werr
			}
		}
	}
}

func (s *Server) writeControl(ctx context.Context, c *websocket.Conn, sess *playback.Session, b *binding) error {
	writeState := func() error {
		snap := sess.Snapshot()
		return wsjson.Write(ctx, c, outbound{Type: "state", State: &snap})
	}
	if err := writeState(); err != nil {
		return err
	}
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			_ = c.Close(websocket.StatusNormalClosure, "session closed")
			return errSessionGone
		case cmd := <-b.cmds:
			if err := wsjson.Write(ctx, c, outbound{Type: "media", Cmd: &cmd}); err != nil {
				return err
			}
		case <-b.changed:
			if err := writeState(); err != nil {
				return err
			}
		case <-ping.C:
			// an attached view keeps its lease
			s.sessions.Ping(ctx, sess.ID())
		}
	}
}

// dispatch applies one view event to the session.
func dispatch(sess *playback.Session, in inbound) error {
	switch in.Type {
	case "key":
		_, err := sess.HandleKey(in.Key, in.InputFocused)
		return err
	case "pointer":
		sess.PointerActivity()
		return nil
	case "hover":
		sess.SetHovering(in.Over)
		return nil
	case "click":
		return sess.ClickSurface()
	case "control":
		return control(sess, in)
	case "media":
		return mediaEvent(sess, in)
	}
	return fmt.Errorf("unknown event type %q", in.Type)
}

func control(sess *playback.Session, in inbound) error {
	switch in.Action {
	case "play":
		return sess.Play()
	case "pause":
		return sess.Pause()
	case "toggle":
		return sess.Toggle()
	case "seekPercent":
		return sess.SeekToPercent(in.Percent)
	case "skip":
		return sess.Skip(seconds(in.Seconds))
	case "volume":
		return sess.SetVolume(in.Volume)
	case "mute":
		return sess.ToggleMute()
	case "rate":
		return sess.SetRate(in.Rate)
	case "fullscreen":
		return sess.ToggleFullscreen()
	case "menu":
		m, err := playback.ParseMenu(in.Menu)
		if err != nil {
			return err
		}
		return sess.ToggleMenu(m)
	case "closeMenu":
		return sess.CloseMenu()
	case "quality":
		return sess.SelectQuality(in.Value)
	case "subtitle":
		return sess.SelectSubtitle(in.Value)
	case "audioPreset":
		return sess.SelectAudioPreset(audiofx.Preset(in.Value))
	}
	return fmt.Errorf("unknown control %q", in.Action)
}

func mediaEvent(sess *playback.Session, in inbound) error {
	switch in.Event {
	case "timeupdate":
		sess.OnTimeUpdate(seconds(in.Time))
	case "durationchange":
		sess.OnDurationChange(seconds(in.Duration))
	case "ended":
		sess.OnEnded()
	case "error":
		sess.OnMediaError(in.Reason)
	case "fullscreenchange":
		sess.OnFullscreenChange(in.Active)
	default:
		return fmt.Errorf("unknown media event %q", in.Event)
	}
	return nil
}

// maxSeconds keeps float seconds inside time.Duration's range.
const maxSeconds = float64(math.MaxInt64/int64(time.Second)) - 1

func seconds(f float64) time.Duration {
	if math.IsNaN(f) {
		return 0
	}
	f = max(min(f, maxSeconds), -maxSeconds)
	return time.Duration(f * float64(time.Second))
}

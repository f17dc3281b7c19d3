package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vod-engine/internal/acquire"
	"vod-engine/internal/catalog"
	"vod-engine/internal/content"
	"vod-engine/internal/playback"
	"vod-engine/pkg/types"
)

type env struct {
	srv   *Server
	ts    *httptest.Server
	cat   *catalog.Catalog
	store content.Store
	tasks *acquire.Tasks
	files string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := content.NewFS(filepath.Join(dir, "content"))
	require.NoError(t, err)
	index, err := catalog.NewJSONIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	cat := catalog.New(index, store)

	files := filepath.Join(dir, "files")
	require.NoError(t, os.MkdirAll(files, 0o755))
	router := acquire.Router{
		"http":  acquire.HTTPFetcher{},
		"https": acquire.HTTPFetcher{},
		"file":  acquire.FileFetcher{Root: files},
	}
	pipeline := acquire.NewPipeline(router, store, cat)
	pipeline.ChunkBytes = 1024
	ctx, cancel := context.WithCancel(context.Background())
	tasks := acquire.NewTasks(ctx, pipeline, acquire.NewDispatcher())

	srv := New(Deps{Catalog: cat, Tasks: tasks, Fetcher: router})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		cancel()
		tasks.Wait()
		_ = cat.Close()
	})
	return &env{srv: srv, ts: ts, cat: cat, store: store, tasks: tasks, files: files}
}

func (e *env) do(t *testing.T, method, path string, body any, hdr ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *env) openSession(t *testing.T, req map[string]any) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]string](t, resp)
	require.NotEmpty(t, out["sessionId"])
	return out["sessionId"]
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDownloadResolveAndServe(t *testing.T) {
	e := newEnv(t)
	data := payload(10_000)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	}))
	defer origin.Close()

	resp := e.do(t, http.MethodPost, "/v1/downloads", map[string]any{
		"src":  origin.URL + "/movie.mp4",
		"item": types.Descriptor{ID: "m1", Title: "Movie One", Duration: "1h 2m"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Download-Id"))
	e.tasks.Wait()

	list := decode[[]types.OfflineAsset](t, e.do(t, http.MethodGet, "/v1/offline", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "Movie One", list[0].Title)

	sid := e.openSession(t, map[string]any{"itemId": "m1", "src": "gopher://cdn.example/m1.mp4"})
	resp = e.do(t, http.MethodPost, "/v1/offline/m1/resolve?session="+sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[catalog.Handle](t, resp)
	assert.True(t, strings.HasPrefix(h.URL, catalog.BlobPrefix))

	resp = e.do(t, http.MethodGet, h.URL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, data, body)
	assert.Equal(t, "m1", resp.Header.Get("X-Offline-Id"))

	resp = e.do(t, http.MethodGet, h.URL, nil, "Range", "bytes=100-199")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/10000", resp.Header.Get("Content-Range"))
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, data[100:200], body)

	resp = e.do(t, http.MethodGet, h.URL, nil, "Range", "bytes=-10")
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, data[9990:], body)

	resp = e.do(t, http.MethodGet, h.URL, nil, "Range", "bytes=20000-")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/offline/m1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, h.URL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/offline/m1/resolve?session="+sid, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDuplicateDownloadConflicts(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer origin.Close()

	req := map[string]any{"src": origin.URL + "/a", "item": types.Descriptor{ID: "dup", Title: "Dup"}}
	resp := e.do(t, http.MethodPost, "/v1/downloads", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/downloads", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	e.tasks.Wait()
	tasks := decode[[]acquire.Task](t, e.do(t, http.MethodGet, "/v1/downloads", nil))
	require.Len(t, tasks, 1)
	assert.Equal(t, acquire.StatusCompleted, tasks[0].Status)

	resp = e.do(t, http.MethodPost, "/v1/downloads", map[string]any{"src": "", "item": types.Descriptor{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadFromCatalogItem(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.files, "m9.mp4"), payload(3000), 0o644))

	resp := e.do(t, http.MethodPost, "/v1/downloads", map[string]any{
		"catalogItem": types.Item{ID: "m9", Title: "Nine", VideoURL: "file:///m9.mp4", Duration: "1h"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.tasks.Wait()

	a, ok := e.cat.Get(context.Background(), "m9")
	require.True(t, ok)
	assert.Equal(t, "Nine", a.Title)
	assert.Equal(t, "1h", a.Duration)
}

func TestUploadRegistersAsset(t *testing.T) {
	e := newEnv(t)
	data := payload(5000)

	req, err := http.NewRequest(http.MethodPut, e.ts.URL+"/v1/offline/local1?title=Home+Video&duration=3m", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[acquire.Task](t, resp)
	assert.Equal(t, acquire.StatusCompleted, task.Status)
	assert.Equal(t, 100.0, task.Progress)

	a, ok := e.cat.Get(context.Background(), "local1")
	require.True(t, ok)
	assert.Equal(t, "Home Video", a.Title)
	assert.Equal(t, "3m", a.Duration)

	sid := e.openSession(t, map[string]any{"itemId": "local1", "src": "gopher://x/local1"})
	h := decode[catalog.Handle](t, e.do(t, http.MethodPost, "/v1/offline/local1/resolve?session="+sid, nil))
	body, _ := io.ReadAll(e.do(t, http.MethodGet, h.URL, nil).Body)
	assert.Equal(t, data, body)

	listed := decode[[]acquire.Task](t, e.do(t, http.MethodGet, "/v1/downloads", nil))
	require.Len(t, listed, 1)
	assert.Equal(t, "local1", listed[0].ItemID)
}

func TestDownloadEventsStreamUntilDone(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	data := payload(4096)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write(data)
	}))
	defer origin.Close()

	resp := e.do(t, http.MethodPost, "/v1/downloads", map[string]any{"src": origin.URL + "/b", "item": types.Descriptor{ID: "sse", Title: "SSE"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[acquire.Task](t, resp)

	events := e.do(t, http.MethodGet, "/v1/downloads/"+task.ID+"/events", nil, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, events.StatusCode)
	assert.Equal(t, "text/event-stream", events.Header.Get("Content-Type"))
	// an update older than what the feed already sent is dropped
	e.tasks.Dispatcher().Publish(acquire.Task{ID: task.ID, Title: "stale", Status: acquire.StatusPending})
	close(gate)

	body, err := io.ReadAll(events.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"title":"stale"`)
	assert.Contains(t, string(body), "event: completed")
	assert.Contains(t, string(body), `"progress":100`)

	resp = e.do(t, http.MethodGet, "/v1/downloads/nope/events", nil, "Accept", "text/event-stream")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionCloseRevokesHandles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.Put(ctx, "m2", bytes.NewReader(payload(2048)))
	require.NoError(t, err)
	require.NoError(t, e.cat.Register(ctx, types.OfflineAsset{ID: "m2", Title: "Two", DownloadedAt: time.Now()}))

	sid := e.openSession(t, map[string]any{"itemId": "m2", "src": "gopher://cdn.example/m2.mp4"})
	resp := e.do(t, http.MethodPost, "/v1/offline/m2/resolve?session="+sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[catalog.Handle](t, resp)

	assert.Equal(t, http.StatusPartialContent, e.do(t, http.MethodGet, h.URL, nil, "Range", "bytes=0-15").StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/sessions/"+sid+"/close", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, h.URL, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/sessions/"+sid, nil).StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/offline/m2/resolve?session=gone", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveRequiresOwnerSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.Put(ctx, "m4", bytes.NewReader(payload(512)))
	require.NoError(t, err)
	require.NoError(t, e.cat.Register(ctx, types.OfflineAsset{ID: "m4", Title: "Four", DownloadedAt: time.Now()}))

	for i := 0; i < 3; i++ {
		resp := e.do(t, http.MethodPost, "/v1/offline/m4/resolve", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Zero(t, e.cat.Handles().Len())
}

func dial(t *testing.T, e *env, sid string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/sessions/" + sid + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, match func(outbound) bool) outbound {
	t.Helper()
	for {
		var msg outbound
		require.NoError(t, wsjson.Read(ctx, c, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestControlChannel(t *testing.T) {
	e := newEnv(t)
	sid := e.openSession(t, map[string]any{"itemId": "m3", "src": "gopher://cdn.example/m3.mp4", "startAt": 12})
	c, ctx := dial(t, e, sid)

	first := readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "state" })
	assert.Equal(t, sid, first.State.ID)
	assert.Equal(t, 12.0, first.State.CurrentTime)
	assert.True(t, first.State.ControlsVisible)

	require.NoError(t, wsjson.Write(ctx, c, inbound{Type: "media", Event: "durationchange", Duration: 120}))
	require.NoError(t, wsjson.Write(ctx, c, inbound{Type: "control", Action: "play"}))
	cmd := readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "media" && o.Cmd.Type == "play" })
	assert.Equal(t, "play", cmd.Cmd.Type)
	readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "state" && o.State.Playing })

	require.NoError(t, wsjson.Write(ctx, c, inbound{Type: "control", Action: "seekPercent", Percent: 50}))
	cmd = readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "media" && o.Cmd.Type == "seek" })
	assert.Equal(t, 60.0, cmd.Cmd.Time)

	require.NoError(t, wsjson.Write(ctx, c, inbound{Type: "control", Action: "rate", Rate: 3}))
	errMsg := readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "error" })
	assert.Contains(t, errMsg.Error, playback.ErrInvalidRate.Error())

	require.NoError(t, wsjson.Write(ctx, c, inbound{Type: "key", Key: "Escape"}))
	readUntil(t, ctx, c, func(o outbound) bool { return o.Type == "media" && o.Cmd.Type == "back" })

	resp := e.do(t, http.MethodGet, "/v1/sessions/"+sid+"/ws", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions/"+sid+"/close", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	for {
		var msg outbound
		err := wsjson.Read(ctx, c, &msg)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
}

func TestControlChannelUnknownSession(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/v1/sessions/nope/ws", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAudioUnavailable(t *testing.T) {
	e := newEnv(t)
	sid := e.openSession(t, map[string]any{"src": "gopher://example/x.mp4"})
	resp := e.do(t, http.MethodGet, "/v1/sessions/"+sid+"/audio", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	msg, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(msg), "audio enhancement unavailable")

	snap := decode[playback.Snapshot](t, e.do(t, http.MethodGet, "/v1/sessions/"+sid, nil))
	assert.False(t, snap.AudioEnhanced)
}

func TestAudioStreamsPCM(t *testing.T) {
	e := newEnv(t)
	format := beep.Format{SampleRate: 22050, NumChannels: 2, Precision: 2}
	f, err := os.Create(filepath.Join(e.files, "tone.wav"))
	require.NoError(t, err)
	pos := 0
	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := 0.2 * math.Sin(2*math.Pi*440*float64(pos)/22050)
			samples[i] = [2]float64{v, v}
			pos++
		}
		return len(samples), true
	})
	require.NoError(t, wav.Encode(f, beep.Take(22050, tone), format))
	require.NoError(t, f.Close())

	sid := e.openSession(t, map[string]any{"src": "file:///tone.wav"})
	resp := e.do(t, http.MethodGet, "/v1/sessions/"+sid+"/audio", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/L16;rate=22050;channels=2", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 22050*4, len(body))

	snap := decode[playback.Snapshot](t, e.do(t, http.MethodGet, "/v1/sessions/"+sid, nil))
	assert.True(t, snap.AudioEnhanced)
}

func TestSubtitleRoutes(t *testing.T) {
	e := newEnv(t)
	out := decode[subtitleListResponse](t, e.do(t, http.MethodGet, "/v1/subtitles/m1", nil))
	assert.Contains(t, out.Languages, "English")

	resp := e.do(t, http.MethodGet, "/v1/subtitles/m1/English", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/vtt; charset=utf-8", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(body), "WEBVTT"))

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/subtitles/m1/Klingon", nil).StatusCode)
}

func TestPreflightAndHealth(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodOptions, "/v1/offline", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "[]\n", func() string {
		b, _ := io.ReadAll(e.do(t, http.MethodGet, "/v1/offline", nil).Body)
		return string(b)
	}())
}

func TestOpenMediaIsBounded(t *testing.T) {
	stall := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(stall)

	srv := New(Deps{Fetcher: acquire.Router{"http": acquire.HTTPFetcher{}}, AudioOpenTimeout: 50 * time.Millisecond})
	defer srv.Close()

	start := time.Now()
	_, err := srv.openMedia(context.Background(), origin.URL+"/a.mp3")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.d.AudioOpenTimeout = time.Minute
	_, err = srv.openMedia(ctx, origin.URL+"/b.mp3")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSecondsStaysInRange(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, seconds(1.5))
	assert.Positive(t, seconds(1e11))
	assert.Negative(t, seconds(-1e11))
	assert.Zero(t, seconds(math.NaN()))
}

func TestParseByteRange(t *testing.T) {
	cases := []struct {
		h          string
		start, end int64
		ok         bool
	}{
		{"bytes=0-", 0, 999, true},
		{"bytes=10-19", 10, 19, true},
		{"bytes=990-5000", 990, 999, true},
		{"bytes=-100", 900, 999, true},
		{"bytes=-5000", 0, 999, true},
		{"bytes=1000-", 0, 0, false},
		{"bytes=20-10", 0, 0, false},
		{"bytes=0-1,5-6", 0, 0, false},
		{"items=0-1", 0, 0, false},
		{"bytes=5", 0, 0, false},
	}
	for _, c := range cases {
		s, e, ok := parseByteRange(c.h, 1000)
		assert.Equal(t, c.ok, ok, c.h)
		if c.ok {
			assert.Equal(t, c.start, s, c.h)
			assert.Equal(t, c.end, e, c.h)
		}
	}
	assert.True(t, isSmallRange(0, 1023))
	assert.False(t, isSmallRange(0, 1024))
}

package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
)

var ErrNoVideoFile = errors.New("torrent has no playable video file")

var videoExt = map[string]bool{".mp4": true, ".webm": true, ".m4v": true, ".mov": true, ".mkv": true}

// TorrentFetcher streams the largest video file of a magnet link.
// The client is created on first use and shared by all downloads.
type TorrentFetcher struct {
	DataDir  string
	WaitInfo time.Duration

	once   sync.Once
	client *torrent.Client
	err    error
}

func (f *TorrentFetcher) getClient() (*torrent.Client, error) {
	f.once.Do(func() {
		_ = os.MkdirAll(f.DataDir, 0o755)
		cfg := torrent.NewDefaultClientConfig()
		cfg.DataDir = f.DataDir
		cfg.DisableUTP = true
		cfg.Seed = false
		f.client, f.err = torrent.NewClient(cfg)
		if f.err == nil {
			log.Printf("[torrent] client dataDir=%s", f.DataDir)
		}
	})
	return f.client, f.err
}

func (f *TorrentFetcher) Fetch(ctx context.Context, locator string) (*Source, error) {
	if !strings.HasPrefix(locator, "magnet:") {
		return nil, fmt.Errorf("%w: not a magnet link", ErrUnsupportedSource)
	}
	cl, err := f.getClient()
	if err != nil {
		return nil, fmt.Errorf("torrent client: %w", err)
	}
	t, err := addOrGet(cl, locator)
	if err != nil {
		return nil, err
	}
	wait := f.WaitInfo
	if wait <= 0 {
		wait = 25 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	select {
	case <-t.GotInfo():
	case <-wctx.Done():
		t.Drop()
		return nil, fmt.Errorf("torrent metadata: %w", wctx.Err())
	}

	file := chooseBestVideoFile(t)
	if file == nil {
		t.Drop()
		return nil, ErrNoVideoFile
	}
	log.Printf("[torrent] %s: streaming %q (%s)", t.InfoHash().HexString(), file.DisplayPath(), humanize.IBytes(uint64(file.Length())))
	r := file.NewReader()
	r.SetResponsive()
	body := &torrentBody{r: r, t: t}
	body.stop = context.AfterFunc(ctx, func() { _ = body.Close() })
	return &Source{Body: body, Total: file.Length(), Name: filepath.Base(file.Path())}, nil
}

func (f *TorrentFetcher) Close() {
	if f.client != nil {
		f.client.Close()
	}
}

func addOrGet(cl *torrent.Client, magnet string) (*torrent.Torrent, error) {
	if m, err := metainfo.ParseMagnetURI(magnet); err == nil && m.InfoHash != (metainfo.Hash{}) {
		if t, ok := cl.Torrent(m.InfoHash); ok {
			return t, nil
		}
	}
	return cl.AddMagnet(magnet)
}

func chooseBestVideoFile(t *torrent.Torrent) *torrent.File {
	var best *torrent.File
	for _, f := range t.Files() {
		if !videoExt[strings.ToLower(filepath.Ext(f.Path()))] {
			continue
		}
		if best == nil || f.Length() > best.Length() {
			best = f
		}
	}
	return best
}

// torrentBody closes the reader and drops the torrent exactly once.
type torrentBody struct {
	r    torrent.Reader
	t    *torrent.Torrent
	stop func() bool
	once sync.Once
}

func (b *torrentBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *torrentBody) Close() error {
	var err error
	b.once.Do(func() {
		if b.stop != nil {
			b.stop()
		}
		err = b.r.Close()
		b.t.Drop()
	})
	return err
}

var _ io.ReadCloser = (*torrentBody)(nil)

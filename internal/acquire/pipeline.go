package acquire

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"vod-engine/internal/content"
	"vod-engine/internal/metrics"
	"vod-engine/pkg/types"
)

// ProgressFunc receives a percentage in [0,100]. Calls for one download are
// sequential and never decrease.
type ProgressFunc func(percent float64)

// Registrar records a committed asset in the metadata index.
type Registrar interface {
	Register(ctx context.Context, a types.OfflineAsset) error
}

// Pipeline downloads one source into the content store per call and then
// registers its metadata. At most one download per item id runs at a time.
type Pipeline struct {
	Fetcher    Fetcher
	Store      content.Store
	Catalog    Registrar
	ChunkBytes int
	RateLimit  int64 // bytes per second, 0 for unlimited
	Timeout    time.Duration
	Now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPipeline(f Fetcher, store content.Store, reg Registrar) *Pipeline {
	return &Pipeline{
		Fetcher:    f,
		Store:      store,
		Catalog:    reg,
		ChunkBytes: 256 << 10,
		Now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Claim holds id's download slot until release is called, so no download
// for id can start meanwhile. ok is false while one is running.
func (p *Pipeline) Claim(id string) (release func(), ok bool) {
	release, err := p.reserve(id)
	if err != nil {
		return nil, false
	}
	return release, true
}

// Active reports how many downloads are running.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pipeline) reserve(id string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = make(map[string]struct{})
	}
	if _, ok := p.inflight[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	p.inflight[id] = struct{}{}
	return func() {
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}, nil
}

// Download fetches locator and stores it under d.ID. It returns once the
// asset is registered, or with the first error. Nothing is registered on
// failure.
func (p *Pipeline) Download(ctx context.Context, locator string, d types.Descriptor, onProgress ProgressFunc) error {
	release, err := p.reserve(d.ID)
	if err != nil {
		return err
	}
	defer release()
	return p.download(ctx, locator, d, onProgress)
}

// Ingest stores an already-available stream under d.ID with the same
// progress and registration contract as Download. total may be -1.
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader, total int64, d types.Descriptor, onProgress ProgressFunc) error {
	release, err := p.reserve(d.ID)
	if err != nil {
		return err
	}
	defer release()
	return p.ingest(ctx, r, total, d, onProgress)
}

func (p *Pipeline) ingest(ctx context.Context, r io.Reader, total int64, d types.Descriptor, onProgress ProgressFunc) error {
	log.Printf("[download] %s: ingesting local stream", d.ID)
	return p.finish(p.store(ctx, r, total, d, onProgress))
}

func (p *Pipeline) download(ctx context.Context, locator string, d types.Descriptor, onProgress ProgressFunc) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	log.Printf("[download] %s: fetching %s", d.ID, locator)
	src, err := p.Fetcher.Fetch(ctx, locator)
	if err != nil {
		return p.finish(0, fmt.Errorf("download %s: %w", d.ID, err))
	}
	defer src.Body.Close()
	return p.finish(p.store(ctx, src.Body, src.Total, d, onProgress))
}

func (p *Pipeline) finish(n int64, err error) error {
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		log.Printf("[download] failed: %v", err)
		return err
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	metrics.DownloadBytes.Add(float64(n))
	return nil
}

func (p *Pipeline) store(ctx context.Context, r io.Reader, total int64, d types.Descriptor, onProgress ProgressFunc) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("download %s: %w", d.ID, err)
	}
	chunk := p.ChunkBytes
	if chunk <= 0 {
		chunk = 256 << 10
	}
	pr := &progressReader{
		r:      &chunkReader{r: newLimitedReader(ctx, r, p.RateLimit), n: chunk},
		total:  total,
		report: onProgress,
	}
	n, err := p.Store.Put(ctx, d.ID, pr)
	if err != nil {
		return n, fmt.Errorf("download %s: store: %w", d.ID, err)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	asset := types.OfflineAsset{
		ID:           d.ID,
		Title:        d.Title,
		PosterURL:    d.PosterURL,
		Duration:     d.Duration,
		Size:         FormatSize(total),
		DownloadedAt: now().UTC(),
		ContentRef:   content.Key(d.ID),
	}
	// the content is committed; finish registration even if the caller left
	if err := p.Catalog.Register(context.WithoutCancel(ctx), asset); err != nil {
		return n, fmt.Errorf("download %s: %w", d.ID, err)
	}
	pr.emit(100)
	log.Printf("[download] %s: stored %s", d.ID, humanize.IBytes(uint64(n)))
	return n, nil
}

// FormatSize renders a byte total the way the offline list shows it.
func FormatSize(total int64) string {
	if total <= 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.1f MB", float64(total)/(1024*1024))
}

// chunkReader bounds every read to n bytes.
type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

// progressReader reports percent complete when the total is known. With an
// unknown total it stays silent until emit(100) at the end.
type progressReader struct {
	r      io.Reader
	total  int64
	done   int64
	last   float64
	report ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.done += int64(n)
		if pr.total > 0 {
			pr.emit(float64(pr.done) / float64(pr.total) * 100)
		}
	}
	return n, err
}

func (pr *progressReader) emit(pct float64) {
	if pct > 100 {
		pct = 100
	}
	if pct <= pr.last {
		return
	}
	pr.last = pct
	if pr.report != nil {
		pr.report(pct)
	}
}

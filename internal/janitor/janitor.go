package janitor

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Reconciler removes content entries without metadata. claim reserves an
// id against downloads while it is checked.
type Reconciler interface {
	Reconcile(ctx context.Context, claim func(id string) (release func(), ok bool)) ([]string, error)
}

// Pruner drops expired cache entries.
type Pruner interface {
	Prune()
}

type Janitor struct {
	Every time.Duration

	Catalog Reconciler
	Claim   func(id string) (release func(), ok bool)
	Caches  []Pruner

	// Torrent scratch space. Top-level entries are evicted oldest first
	// while the directory exceeds ScratchMax and Idle reports true.
	ScratchDir string
	ScratchMax int64
	Idle       func() bool
}

// Report is what one sweep did.
type Report struct {
	Orphans []string
	Evicted []string
}

func (j *Janitor) Run(ctx context.Context) {
	every := j.Every
	if every <= 0 {
		every = 10 * time.Minute
	}
	j.Sweep(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Sweep(ctx)
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) Report {
	var rep Report
	if j.Catalog != nil {
		removed, err := j.Catalog.Reconcile(ctx, j.Claim)
		if err != nil {
			log.Printf("[janitor] reconcile: %v", err)
		}
		for _, id := range removed {
			log.Printf("[janitor] removed orphaned content %s", id)
		}
		rep.Orphans = removed
	}
	for _, c := range j.Caches {
		c.Prune()
	}
	if j.ScratchMax > 0 && j.ScratchDir != "" && (j.Idle == nil || j.Idle()) {
		rep.Evicted = j.trimScratch()
	}
	return rep
}

// cand is one top-level scratch entry.
type cand struct {
	path string
	at   time.Time
	size int64
}

func (j *Janitor) trimScratch() []string {
	cands := scratchEntries(j.ScratchDir)
	var used int64
	for _, c := range cands {
		used += c.size
	}
	var evicted []string
	for used > j.ScratchMax && len(cands) > 0 {
		i := pickBest(cands)
		best := cands[i]
		log.Printf("[janitor] evicting %s (age=%s size=%s) | used=%s max=%s",
			filepath.Base(best.path), time.Since(best.at).Truncate(time.Second),
			humanize.IBytes(uint64(best.size)), humanize.IBytes(uint64(used)), humanize.IBytes(uint64(j.ScratchMax)))
		if err := os.RemoveAll(best.path); err != nil {
			log.Printf("[janitor] evict %s: %v", best.path, err)
			break
		}
		evicted = append(evicted, filepath.Base(best.path))
		used -= best.size
		cands = append(cands[:i], cands[i+1:]...)
	}
	return evicted
}

func scratchEntries(root string) []cand {
	des, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []cand
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		c := cand{path: filepath.Join(root, de.Name()), at: info.ModTime(), size: info.Size()}
		if de.IsDir() {
			c.size = dirSize(c.path)
		}
		out = append(out, c)
	}
	return out
}

func dirSize(root string) int64 {
	var n int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += info.Size()
		}
		return nil
	})
	return n
}

// pickBest prefers the oldest entry; among entries of similar age, the larger one.
func pickBest(cands []cand) int {
	best := 0
	for i, x := range cands[1:] {
		b := cands[best]
		older := x.at.Before(b.at)
		closeAge := x.at.Sub(b.at)
		if closeAge < 0 {
			closeAge = -closeAge
		}
		bigger := x.size > b.size
		if older || (closeAge < 2*time.Minute && bigger) {
			best = i + 1
		}
	}
	return best
}

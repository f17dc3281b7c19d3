// Package acquire streams remote media into the offline content store and
// registers it in the catalog once the bytes are committed.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInFlight          = errors.New("download already in progress")
	ErrUnsupportedSource = errors.New("unsupported source locator")
)

// StatusError is returned when a remote source answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Source is an open byte stream. Total is -1 when the length is unknown.
type Source struct {
	Body  io.ReadCloser
	Total int64
	Name  string
}

type Fetcher interface {
	Fetch(ctx context.Context, locator string) (*Source, error)
}

// HTTPFetcher fetches http and https locators.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, locator string) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: locator, Code: resp.StatusCode}
	}
	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}
	return &Source{Body: resp.Body, Total: total, Name: filepath.Base(req.URL.Path)}, nil
}

// FileFetcher reads file:// locators below Root. An empty Root disables it.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(_ context.Context, locator string) (*Source, error) {
	if f.Root == "" {
		return nil, fmt.Errorf("%w: local files disabled", ErrUnsupportedSource)
	}
	u, err := url.Parse(locator)
	if err != nil {
		return nil, err
	}
	rel := filepath.Clean("/" + u.Path)
	fh, err := os.Open(filepath.Join(f.Root, rel))
	if err != nil {
		return nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	return &Source{Body: fh, Total: st.Size(), Name: filepath.Base(rel)}, nil
}

// Router picks a fetcher by the locator's scheme.
type Router map[string]Fetcher

func (r Router) Fetch(ctx context.Context, locator string) (*Source, error) {
	scheme, _, ok := strings.Cut(locator, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, locator)
	}
	f, ok := r[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, scheme)
	}
	return f.Fetch(ctx, locator)
}

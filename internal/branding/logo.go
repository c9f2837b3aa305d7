package branding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"time"

	"creativepipe/internal/blob"
	"creativepipe/internal/render"
)

const maxLogoBytes = 8 << 20

// errNoLogo marks a logo reference that resolves to nothing. The slot is
// branded without a logo rather than retried.
var errNoLogo = errors.New("logo unavailable")

// BlobReader fetches stored objects.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// LogoLoader resolves brand.logo_uri references and caches decoded logos.
type LogoLoader struct {
	blobs  BlobReader
	client *http.Client

	mu    sync.Mutex
	cache map[string]image.Image
}

// NewLogoLoader builds a loader over blobs. A nil client uses a 30s timeout.
func NewLogoLoader(blobs BlobReader, client *http.Client) *LogoLoader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LogoLoader{blobs: blobs, client: client, cache: map[string]image.Image{}}
}

// Load returns the decoded logo for uri. errNoLogo wraps references that do
// not exist or do not decode; other errors are transient.
func (l *LogoLoader) Load(ctx context.Context, uri string) (image.Image, error) {
	l.mu.Lock()
	cached, ok := l.cache[uri]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	loc, err := blob.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoLogo, err)
	}
	var data []byte
	switch loc.Scheme {
	case "file":
		data, err = os.ReadFile(loc.Key)
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %v", errNoLogo, err)
		}
	case "http", "https":
		data, err = l.fetch(ctx, loc.Raw)
	default:
		if l.blobs == nil {
			return nil, fmt.Errorf("%w: no blob store for %s", errNoLogo, uri)
		}
		data, err = l.blobs.Get(ctx, loc.Key)
		if errors.Is(err, blob.ErrNotFound) {
			err = fmt.Errorf("%w: %v", errNoLogo, err)
		}
	}
	if err != nil {
		return nil, err
	}

	logo, err := render.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoLogo, err)
	}
	l.mu.Lock()
	l.cache[uri] = logo
	l.mu.Unlock()
	return logo, nil
}

func (l *LogoLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoLogo, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch logo: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: fetch logo: status %d", errNoLogo, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch logo: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxLogoBytes))
}

// Package fetch downloads remote files onto the local filesystem.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wb-go/wbf/zlog"
)

// DefaultTimeout bounds a whole download, headers and body included.
const DefaultTimeout = 30 * time.Second

// Downloader fetches URLs with a bounded timeout.
type Downloader struct {
	client *http.Client
}

// New creates a Downloader whose requests fail once timeout elapses.
// A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Downloader{client: &http.Client{Timeout: timeout}}
}

// Download writes the body of rawURL to dst and returns the number of bytes
// written. Any non-2xx response is an error. A partially written dst is removed.
func (d *Downloader) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("download: failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("download: failed to create file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("download: failed to write file: %w", err)
	}

	zlog.Logger.Debug().
		Str("url", rawURL).
		Str("size", humanize.Bytes(uint64(n))).
		Msg("file downloaded")

	return n, nil
}

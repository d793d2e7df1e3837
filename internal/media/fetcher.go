package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/imroc/req/v3"
)

// ErrTooLarge is returned when a source exceeds the configured object size.
var ErrTooLarge = errors.New("media object exceeds size limit")

// Fetcher opens a media source for reading.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body io.ReadCloser, contentType string, err error)
}

// HTTPFetcher streams media from its source host.
type HTTPFetcher struct {
	client   *req.Client
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher. maxBytes <= 0 disables the size check.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	client := req.C().
		SetTimeout(timeout).
		SetUserAgent("snapvault-media/1.0")
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// Fetch issues a GET and returns the unread body. The caller closes it.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	if !resp.IsSuccessState() {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, "", ErrTooLarge
	}

	body := resp.Body
	if f.maxBytes > 0 {
		body = &limitedBody{ReadCloser: resp.Body, remaining: f.maxBytes}
	}
	return body, resp.GetHeader("Content-Type"), nil
}

// limitedBody fails the read once more than the allowed bytes arrive.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}

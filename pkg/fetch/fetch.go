// Package fetch resolves resource references (creation scripts, descriptor
// scripts) to their content.
//
// Supported references:
//
//	/abs/path or rel/path   read from the local filesystem (relative to BaseDir)
//	file:///abs/path        same, URL form
//	http://, https://       GET; any non-2xx status is an error
//	s3://bucket/key         GetObject through the configured S3 client
package fetch

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
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnsupportedScheme is returned for references with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// ErrNotFound is returned when the referenced resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Fetcher resolves references to readable content. It satisfies
// driver.Fetcher.
type Fetcher struct {
	baseDir string
	client  *http.Client
	s3      S3Getter
	logger  zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBaseDir resolves relative paths against dir.
func WithBaseDir(dir string) Option {
	return func(f *Fetcher) { f.baseDir = dir }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithS3 enables s3:// references.
func WithS3(g S3Getter) Option {
	return func(f *Fetcher) { f.s3 = g }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New returns a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "fetch").Logger()
	return f
}

// Fetch opens ref. The caller closes the returned reader.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	if ref == "" {
		return nil, errors.New("empty reference")
	}

	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		return f.openFile(ref)
	}

	f.logger.Debug().Str("ref", ref).Str("scheme", u.Scheme).Msg("Fetching resource")

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.openFile(u.Path)
	case "http", "https":
		return f.fetchHTTP(ctx, u)
	case "s3":
		return f.fetchS3(ctx, u)
	default:
		return nil, fmt.Errorf("%s: %w", u.Scheme, ErrUnsupportedScheme)
	}
}

// ReadAll fetches ref and returns its full content.
func (f *Fetcher) ReadAll(ctx context.Context, ref string) ([]byte, error) {
	rc, err := f.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return data, nil
}

func (f *Fetcher) openFile(path string) (io.ReadCloser, error) {
	if !filepath.IsAbs(path) && f.baseDir != "" {
		path = filepath.Join(f.baseDir, path)
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", u.Redacted(), err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", u.Redacted(), ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("failed to get %s: unexpected status %s", u.Redacted(), resp.Status)
	}
	return resp.Body, nil
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// maxPackageBytes bounds a single fetched module.
const maxPackageBytes = 4 << 20

// ErrPackageNotFound is returned by a Source that has no module for pkg.
var ErrPackageNotFound = errors.New("package not found in source")

// Source fetches the code of a single-file Lua package.
type Source interface {
	Name() string
	Fetch(ctx context.Context, pkg string) ([]byte, error)
}

// HTTPSource fetches <base>/<pkg>.lua from a package index.
type HTTPSource struct {
	base   string
	client *retryablehttp.Client
}

// NewHTTPSource builds an index source. Transient failures (connection
// errors, 5xx, 429) are retried by the client.
func NewHTTPSource(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.With("component", "dependency-index")
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), client: client}
}

// WithRetries overrides the retry ceiling and backoff.
func (s *HTTPSource) WithRetries(max int, wait time.Duration) *HTTPSource {
	s.client.RetryMax = max
	s.client.RetryWaitMin = wait
	s.client.RetryWaitMax = wait
	return s
}

func (s *HTTPSource) Name() string { return s.base }

func (s *HTTPSource) Fetch(ctx context.Context, pkg string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+pkg+".lua", nil)
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pkg, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", pkg, ErrPackageNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", pkg, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pkg, err)
	}
	if len(body) > maxPackageBytes {
		return nil, fmt.Errorf("package %s exceeds %d bytes", pkg, maxPackageBytes)
	}
	return body, nil
}

// DirSource reads <dir>/<pkg>.lua, or <dir>/<pkg>/init.lua, from a local
// mirror.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Name() string { return s.dir }

func (s *DirSource) Fetch(ctx context.Context, pkg string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, candidate := range []string{
		filepath.Join(s.dir, pkg+".lua"),
		filepath.Join(s.dir, pkg, "init.lua"),
	} {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("%s: %w", pkg, ErrPackageNotFound)
}

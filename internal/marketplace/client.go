// Package marketplace talks to the extension marketplace: it downloads
// published extensions and reports which versions this host runs.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/basket/kaihost/internal/extension"
)

// maxListingBytes bounds one downloaded listing, code included.
const maxListingBytes = 8 << 20

var (
	ErrNotConfigured = errors.New("marketplace base url is not configured")
	ErrNotFound      = errors.New("extension not found in marketplace")
)

// Listing describes one published extension.
type Listing struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	FileName    string `json:"file_name"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	// Code is the extension source as published.
	Code string `json:"code"`
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is the marketplace HTTP client. Transient failures (connection
// errors, 5xx, 429) are retried.
type Client struct {
	base   string
	token  string
	client *retryablehttp.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse marketplace url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.With("component", "marketplace")
	return &Client{base: base, token: cfg.Token, client: client}, nil
}

// WithRetries overrides the retry ceiling and backoff.
func (c *Client) WithRetries(max int, wait time.Duration) *Client {
	c.client.RetryMax = max
	c.client.RetryWaitMin = wait
	c.client.RetryWaitMax = wait
	return c
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	var raw any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		raw = data
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, raw)
	if err != nil {
		return nil, fmt.Errorf("build marketplace request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Download fetches listing id and returns its source as an installable unit.
func (c *Client) Download(ctx context.Context, id string) (extension.SourceUnit, Listing, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return extension.SourceUnit{}, Listing{}, errors.New("marketplace id is required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/extensions/"+url.PathEscape(id), nil)
	if err != nil {
		return extension.SourceUnit{}, Listing{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("download %s: unexpected status %s", id, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes+1))
	if err != nil {
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("read listing %s: %w", id, err)
	}
	if len(body) > maxListingBytes {
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("listing %s exceeds %d bytes", id, maxListingBytes)
	}

	var listing Listing
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&listing); err != nil {
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("decode listing %s: %w", id, err)
	}
	if strings.TrimSpace(listing.Code) == "" {
		return extension.SourceUnit{}, Listing{}, fmt.Errorf("listing %s has no code", id)
	}
	if listing.ID == "" {
		listing.ID = id
	}
	fileName := listing.FileName
	if fileName == "" {
		fileName = listing.ID + ".lua"
	}
	return extension.NewSourceUnit(fileName, []byte(listing.Code)), listing, nil
}

type installReport struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ReportInstalled tells the marketplace that this host runs version of name.
func (c *Client) ReportInstalled(ctx context.Context, name string, version int) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/installs", installReport{Name: name, Version: version})
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("report %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("report %s: unexpected status %s", name, resp.Status)
	}
	return nil
}

// Package catalog is a thin client for the remote product lookup service.
// The engine only sees the found/items result shape; wire details stay here.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/dmartinelli/storebot/agent/contract"
)

const maxResponseSizeBytes = 2 << 20

type Config struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ contractx.Catalog = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("catalog url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type searchRequest struct {
	Query string `json:"query"`
}

func (c *Client) Search(ctx context.Context, query string) (contractx.CatalogResult, error) {
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return contractx.CatalogResult{}, fmt.Errorf("marshal catalog query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return contractx.CatalogResult{}, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return contractx.CatalogResult{}, fmt.Errorf("%w: catalog request: %v", contractx.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return contractx.CatalogResult{}, fmt.Errorf("%w: read catalog response: %v", contractx.ErrUnavailable, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return contractx.CatalogResult{}, fmt.Errorf("%w: catalog http status=%d body=%s", contractx.ErrUnavailable, resp.StatusCode, string(raw))
	}

	var result contractx.CatalogResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return contractx.CatalogResult{}, fmt.Errorf("%w: decode catalog response: %v", contractx.ErrUnavailable, err)
	}
	return result, nil
}

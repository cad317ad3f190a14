// Package dhis is the thin authenticated client for the DHIS2 Web API.
// It exposes JSON GET/POST/PUT with the adapter's error taxonomy and leaves
// resource semantics to the domain services built on top of it.
package dhis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/dhisfhir/adapter/internal/platform/resterror"
)

// Client talks to one DHIS2 instance using a system account.
type Client struct {
	baseURL    string
	apiVersion int
	username   string
	password   string
	http       *retryablehttp.Client
	logger     zerolog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIVersion int
	Username   string
	Password   string
	Timeout    time.Duration
	Logger     zerolog.Logger
}

func NewClient(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiVersion: opts.APIVersion,
		username:   opts.Username,
		password:   opts.Password,
		http:       rc,
		logger:     opts.Logger.With().Str("component", "dhis2-client").Logger(),
	}
}

// URL builds an absolute API URL for the given path and query parameters.
func (c *Client) URL(path string, query url.Values) string {
	u := fmt.Sprintf("%s/api/%d/%s", c.baseURL, c.apiVersion, strings.TrimPrefix(path, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if err := resterror.FromResponse(resp.StatusCode, resp.Header, data); err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetJSON issues a GET and decodes the JSON response into out.
// A 404 response is returned as resterror.ErrNotFound.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, c.URL(path, query), nil, out)
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, c.URL(path, query), body, out)
}

// PutJSON issues a PUT with a JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.do(ctx, http.MethodPut, c.URL(path, query), body, out)
}

// Package fhirclient is the REST client for the FHIR endpoint of the
// synchronization. Resources are handled as schemaless JSON documents; the
// client only knows how to read, search and write them.
package fhirclient

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

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/dhisfhir/adapter/internal/platform/resterror"
)

// Version identifies the FHIR specification version the endpoint speaks.
// It is declared per endpoint and selected once per request.
type Version string

const (
	DSTU3 Version = "DSTU3"
	R4    Version = "R4"
)

// Client talks to one FHIR server.
type Client struct {
	baseURL string
	token   string
	version Version
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Version Version
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewClient(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		token:   opts.Token,
		version: opts.Version,
		http:    rc,
		logger:  opts.Logger.With().Str("component", "fhir-client").Logger(),
	}
}

// Version returns the declared FHIR version of the endpoint.
func (c *Client) Version() Version {
	return c.version
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := resterror.FromResponse(resp.StatusCode, resp.Header, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Read fetches a resource by type and id. A missing resource returns
// (nil, nil).
func (c *Client) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id), nil)
	if errors.Is(err, resterror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return res, nil
}

type bundle struct {
	Entry []struct {
		Resource Resource `json:"resource"`
	} `json:"entry"`
}

// SearchByIdentifier looks up a resource by identifier token. Zero matches
// return (nil, nil). More than one match is ambiguous and also returns
// (nil, nil): binding the wrong resource is worse than creating a duplicate.
func (c *Client) SearchByIdentifier(ctx context.Context, resourceType, system, value string) (Resource, error) {
	query := url.Values{}
	query.Set("identifier", system+"|"+value)

	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s?%s", c.baseURL, resourceType, query.Encode()), nil)
	if err != nil {
		return nil, err
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}
	switch len(b.Entry) {
	case 0:
		return nil, nil
	case 1:
		return b.Entry[0].Resource, nil
	default:
		c.logger.Warn().
			Str("resourceType", resourceType).
			Str("system", system).
			Int("matches", len(b.Entry)).
			Msg("ambiguous identifier search, treating as no match")
		return nil, nil
	}
}

// Create stores a new resource and returns the server's representation.
func (c *Client) Create(ctx context.Context, res Resource) (Resource, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.baseURL, res.Type()), res)
	if err != nil {
		return nil, err
	}
	return decodeOr(res, data)
}

// Update stores an existing resource by id and returns the server's
// representation.
func (c *Client) Update(ctx context.Context, res Resource) (Resource, error) {
	if res.ID() == "" {
		return nil, fmt.Errorf("update %s: resource has no id", res.Type())
	}
	data, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/%s/%s", c.baseURL, res.Type(), res.ID()), res)
	if err != nil {
		return nil, err
	}
	return decodeOr(res, data)
}

// decodeOr returns the decoded response body, or fallback when the server
// returned no body.
func decodeOr(fallback Resource, data []byte) (Resource, error) {
	if len(data) == 0 {
		return fallback, nil
	}
	var res Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return res, nil
}

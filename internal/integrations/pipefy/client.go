package pipefy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sdr-agent/internal/domain"
)

const (
	DefaultURL = "https://api.pipefy.com/graphql"

	// SimulatedCardID is returned by CreateLead in simulated mode.
	SimulatedCardID = "SIM_CARD_12345"

	simulationMarker  = "SIMULACAO"
	interestConfirmed = "Sim"
	defaultTimeout    = 10 * time.Second
)

// Normalizer canonicalizes meeting date expressions before they are written.
type Normalizer interface {
	Normalize(input string) (string, error)
}

// HTTPStatusError captures non-2xx responses from the GraphQL endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("pipefy: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Pipefy GraphQL API, or simulates it when no usable
// token is configured.
type Client struct {
	url        string
	httpClient *http.Client
	token      string
	pipeID     string
	simulated  bool
	fields     *FieldCache
	dates      Normalizer
	logger     *slog.Logger
}

type Option func(*Client)

func WithURL(url string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(url); u != "" {
			c.url = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithFieldCache shares a field-id cache, e.g. between clients of the same pipe.
func WithFieldCache(cache *FieldCache) Option {
	return func(c *Client) {
		if cache != nil {
			c.fields = cache
		}
	}
}

func WithDateNormalizer(n Normalizer) Option {
	return func(c *Client) {
		c.dates = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// IsSimulationToken reports whether token selects simulated mode: it is empty
// or explicitly marked with SIMULACAO.
func IsSimulationToken(token string) bool {
	token = strings.TrimSpace(token)
	return token == "" || strings.Contains(strings.ToUpper(token), simulationMarker)
}

// New creates a Client. In live mode a pipe id is required.
func New(token, pipeID string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        DefaultURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		token:      strings.TrimSpace(token),
		pipeID:     strings.TrimSpace(pipeID),
		simulated:  IsSimulationToken(token),
		fields:     NewFieldCache(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.simulated && c.pipeID == "" {
		return nil, errors.New("pipefy: pipe id must not be empty in live mode")
	}
	return c, nil
}

func (c *Client) Simulated() bool {
	return c.simulated
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// execute performs one GraphQL round trip and decodes data into out.
// Transport failures map to KindConnectivity, GraphQL-level errors to
// KindRemoteOperation.
func (c *Client) execute(ctx context.Context, op, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return domain.NewError(domain.KindInternal, op, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.NewError(domain.KindInternal, op, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return domain.NewError(domain.KindConnectivity, op, "", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.NewError(domain.KindConnectivity, op, "", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.url,
			Body:       string(buf),
		})
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.NewError(domain.KindConnectivity, op, "read response body", err)
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.NewError(domain.KindRemoteOperation, op, "decode response", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return domain.NewError(domain.KindRemoteOperation, op, strings.Join(msgs, "; "), nil)
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return domain.NewError(domain.KindRemoteOperation, op, "decode data", err)
	}
	return nil
}

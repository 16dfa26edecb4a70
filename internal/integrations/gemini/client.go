package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"sdr-agent/internal/domain"
	"sdr-agent/internal/integrations/paramstore"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"

	defaultTimeout = 30 * time.Second
)

// ErrPromptBlocked is returned when the API refuses to answer the prompt.
var ErrPromptBlocked = domain.ErrPromptBlocked

// content is one entry of the generateContent conversation. Parts share the
// wire shape of domain.Part.
type content struct {
	Role  string        `json:"role,omitempty"`
	Parts []domain.Part `json:"parts"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolSpec struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

// generateRequest is the minimal request shape for models.generateContent.
type generateRequest struct {
	SystemInstruction *content   `json:"systemInstruction,omitempty"`
	Contents          []content  `json:"contents"`
	Tools             []toolSpec `json:"tools,omitempty"`
}

// generateResponse is the minimal response shape of models.generateContent.
type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Gemini generateContent API with function calling.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	getter     Getter
	tokenName  string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// NewClient creates a Client whose API key is read through g under
// tokenName on the first call and reused for the lifetime of the process.
func NewClient(g Getter, tokenName string, opts ...Option) (*Client, error) {
	if g == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return nil, errors.New("gemini: token parameter name must not be empty")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
		getter:     g,
		tokenName:  tokenName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Token(ctx, c.getter, c.tokenName)
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("gemini: resolve api key: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func generateURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1beta") {
		base += "/v1beta"
	}
	return base + "/models/" + model + ":generateContent"
}

// Generate runs one model round over the conversation and returns the
// model's turn, which may contain text, function calls or both.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.Turn, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.Turn{}, err
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return domain.Turn{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := generateURL(c.baseURL, c.model)
	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.Turn{}, fmt.Errorf("gemini: create request: %w", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("gemini: request failed: %w", err)
	}

	var payload generateResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Turn{}, fmt.Errorf("gemini: decode response: %w", decErr)
	}
	if payload.PromptFeedback != nil && payload.PromptFeedback.BlockReason != "" {
		return domain.Turn{}, fmt.Errorf("%w: %s", ErrPromptBlocked, payload.PromptFeedback.BlockReason)
	}
	if len(payload.Candidates) == 0 {
		return domain.Turn{}, errors.New("gemini: no candidates in response")
	}

	cand := payload.Candidates[0]
	if len(cand.Content.Parts) == 0 && cand.FinishReason == "SAFETY" {
		return domain.Turn{}, fmt.Errorf("%w: %s", ErrPromptBlocked, cand.FinishReason)
	}
	return domain.Turn{Role: domain.RoleModel, Parts: cand.Content.Parts}, nil
}

func buildRequest(req domain.GenerateRequest) generateRequest {
	out := generateRequest{Contents: make([]content, 0, len(req.History))}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		out.SystemInstruction = &content{Parts: []domain.Part{{Text: s}}}
	}
	for _, turn := range req.History {
		out.Contents = append(out.Contents, content{Role: wireRole(turn.Role), Parts: turn.Parts})
	}
	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parametersOrNil(t.Parameters),
			})
		}
		out.Tools = []toolSpec{{FunctionDeclarations: decls}}
	}
	return out
}

// wireRole maps conversation roles to the two roles the API accepts. Function
// responses travel as user content.
func wireRole(role string) string {
	if role == domain.RoleModel {
		return "model"
	}
	return "user"
}

// parametersOrNil drops schemas without properties, which the API rejects.
func parametersOrNil(params map[string]any) map[string]any {
	props, _ := params["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	return params
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

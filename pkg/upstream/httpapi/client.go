// Package httpapi implements the upstream stage contracts against a provider
// gateway that speaks JSON over HTTP.
//
// Endpoints (relative to BaseURL):
//
//	POST /v1/research        ResearchRequest     -> Research
//	POST /v1/scripts         ScriptRequest       -> {"scripts": [...]}
//	POST /v1/image-prompts   ImagePromptRequest  -> {"prompts": [...]}
//	POST /v1/voice           VoiceRequest        -> Voice
//	POST /v1/renders         RenderRequest       -> {"id": "..."}
//	GET  /v1/renders/{id}                        -> RenderStatus
//	POST /v1/assemble        AssembleRequest     -> Media
//	POST /v1/images          ImageRequest        -> Media
//
// Failures carry {"error": {"code", "message", "charged"}}.
package httpapi

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/clipforge/pkg/upstream"
)

const providerName = "http"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each HTTP call (default 60s).
	Timeout time.Duration

	// RateLimit is the maximum requests per second (0 = unlimited).
	RateLimit float64

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// ConfigError reports an invalid client configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("upstream config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return &ConfigError{Field: "base_url", Message: "required"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "base_url", Message: "must be an absolute URL"}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: "rate_limit", Message: "must not be negative"}
	}
	return nil
}

// Client implements upstream.Suite.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ upstream.Suite = (*Client)(nil)

// New creates a client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		limiter: limiter,
		logger:  logger,
	}, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Charged bool   `json:"charged"`
	} `json:"error"`
}

// do sends one request and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &upstream.Error{Op: op, Provider: providerName, Kind: upstream.KindTimeout, Err: err}
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := upstream.KindUnavailable
		var ne interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) {
			kind = upstream.KindTimeout
		}
		// The request may have reached the provider before the connection broke.
		return &upstream.Error{Op: op, Provider: providerName, Kind: kind, MayHaveCharged: in != nil, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &upstream.Error{Op: op, Provider: providerName, Kind: upstream.KindUnavailable, Err: err}
	}

	c.logger.Debug("Upstream call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyHTTPError(op, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &upstream.Error{Op: op, Provider: providerName, Kind: upstream.KindInvalidResponse, Err: err}
	}
	return nil
}

func classifyHTTPError(op string, status int, body []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	msg := env.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind upstream.Kind
	switch {
	case env.Error.Code == string(upstream.KindContentPolicy):
		kind = upstream.KindContentPolicy
	case status == http.StatusTooManyRequests:
		kind = upstream.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = upstream.KindTimeout
	case status >= 500:
		kind = upstream.KindUnavailable
	default:
		kind = upstream.KindRejected
	}
	return &upstream.Error{
		Op:             op,
		Provider:       providerName,
		Kind:           kind,
		MayHaveCharged: env.Error.Charged,
		Err:            fmt.Errorf("status %d: %s", status, msg),
	}
}

func (c *Client) Research(ctx context.Context, req upstream.ResearchRequest) (*upstream.Research, error) {
	var out upstream.Research
	if err := c.do(ctx, "research", http.MethodPost, "/v1/research", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WriteScripts(ctx context.Context, req upstream.ScriptRequest) ([]upstream.Script, error) {
	var out struct {
		Scripts []upstream.Script `json:"scripts"`
	}
	if err := c.do(ctx, "scripts", http.MethodPost, "/v1/scripts", req, &out); err != nil {
		return nil, err
	}
	if len(out.Scripts) != req.Count {
		return nil, &upstream.Error{
			Op: "scripts", Provider: providerName, Kind: upstream.KindInvalidResponse, MayHaveCharged: true,
			Err: fmt.Errorf("expected %d scripts, got %d", req.Count, len(out.Scripts)),
		}
	}
	return out.Scripts, nil
}

func (c *Client) WriteImagePrompts(ctx context.Context, req upstream.ImagePromptRequest) ([]upstream.ImagePrompt, error) {
	var out struct {
		Prompts []upstream.ImagePrompt `json:"prompts"`
	}
	if err := c.do(ctx, "image_prompts", http.MethodPost, "/v1/image-prompts", req, &out); err != nil {
		return nil, err
	}
	if len(out.Prompts) != req.Count {
		return nil, &upstream.Error{
			Op: "image_prompts", Provider: providerName, Kind: upstream.KindInvalidResponse, MayHaveCharged: true,
			Err: fmt.Errorf("expected %d prompts, got %d", req.Count, len(out.Prompts)),
		}
	}
	return out.Prompts, nil
}

func (c *Client) Synthesize(ctx context.Context, req upstream.VoiceRequest) (*upstream.Voice, error) {
	var out upstream.Voice
	if err := c.do(ctx, "voice", http.MethodPost, "/v1/voice", req, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, &upstream.Error{Op: "voice", Provider: providerName, Kind: upstream.KindInvalidResponse,
			MayHaveCharged: true, Err: errors.New("missing voice url")}
	}
	return &out, nil
}

func (c *Client) Submit(ctx context.Context, req upstream.RenderRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "render.submit", http.MethodPost, "/v1/renders", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &upstream.Error{Op: "render.submit", Provider: providerName, Kind: upstream.KindInvalidResponse,
			MayHaveCharged: true, Err: errors.New("missing render id")}
	}
	return out.ID, nil
}

func (c *Client) Poll(ctx context.Context, renderID string) (*upstream.RenderStatus, error) {
	var out upstream.RenderStatus
	if err := c.do(ctx, "render.poll", http.MethodGet, "/v1/renders/"+url.PathEscape(renderID), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = renderID
	}
	return &out, nil
}

func (c *Client) Assemble(ctx context.Context, req upstream.AssembleRequest) (*upstream.Media, error) {
	var out upstream.Media
	if err := c.do(ctx, "assemble", http.MethodPost, "/v1/assemble", req, &out); err != nil {
		return nil, err
	}
	if out.URL == "" && len(out.Data) == 0 {
		return nil, &upstream.Error{Op: "assemble", Provider: providerName, Kind: upstream.KindInvalidResponse,
			Err: errors.New("empty assembly")}
	}
	return &out, nil
}

func (c *Client) GenerateImage(ctx context.Context, req upstream.ImageRequest) (*upstream.Media, error) {
	var out upstream.Media
	if err := c.do(ctx, "image", http.MethodPost, "/v1/images", req, &out); err != nil {
		return nil, err
	}
	if out.URL == "" && len(out.Data) == 0 {
		return nil, &upstream.Error{Op: "image", Provider: providerName, Kind: upstream.KindInvalidResponse,
			MayHaveCharged: true, Err: errors.New("empty image")}
	}
	return &out, nil
}

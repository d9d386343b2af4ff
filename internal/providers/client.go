package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/pkg/models"
)

// StreamChunk is one element of a streamed completion.
type StreamChunk struct {
	Token string
	Done  bool
	Err   error
}

// Client executes provider descriptors over HTTP.
type Client struct {
	http     *http.Client
	registry *Registry
	logger   *slog.Logger
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	// Timeout bounds non-streaming calls. Streaming requests rely on
	// context cancellation instead.
	Timeout time.Duration

	Registry *Registry
	Logger   *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		registry: cfg.Registry,
		logger:   logger.With("component", "providers"),
	}
}

// Registry exposes the descriptor registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// ListModels returns the normalized model listing for a provider. When the
// provider has no models endpoint, the curated static listing is served.
func (c *Client) ListModels(ctx context.Context, providerID, secret string) ([]Model, error) {
	d, err := c.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	if d.ModelsPath == "" {
		if len(d.StaticModels) == 0 {
			return nil, ErrNoModelListing
		}
		return append([]Model(nil), d.StaticModels...), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+d.ModelsPath, nil)
	if err != nil {
		return nil, NewProviderError(d.ID, "", err)
	}
	applyHeaders(req, d, secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewProviderError(d.ID, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewProviderError(d.ID, "", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(d.ID, "", resp.StatusCode, body)
	}
	return d.ParseModels(body)
}

// Chat sends a non-streaming chat request and returns the full response
// text.
func (c *Client) Chat(ctx context.Context, providerID, secret, model string, msgs []models.ChatMessage) (string, error) {
	d, err := c.registry.Get(providerID)
	if err != nil {
		return "", err
	}
	model = c.resolveModel(d, model)

	resp, err := c.post(ctx, d, secret, model, msgs, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", NewProviderError(d.ID, model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError(d.ID, model, resp.StatusCode, body)
	}
	return d.ParseResponse(body)
}

// ChatStream sends a streaming chat request. Tokens arrive on the returned
// channel in production order; the channel closes after the Done chunk.
// Cancelling ctx stops the reader and releases the response body.
func (c *Client) ChatStream(ctx context.Context, providerID, secret, model string, msgs []models.ChatMessage) (<-chan StreamChunk, error) {
	d, err := c.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	model = c.resolveModel(d, model)

	resp, err := c.post(ctx, d, secret, model, msgs, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, statusError(d.ID, model, resp.StatusCode, body)
	}

	chunks := make(chan StreamChunk)
	go c.streamResponse(ctx, d, model, resp.Body, chunks)
	return chunks, nil
}

// post issues the chat request. Streaming requests use a client without a
// global timeout so long generations are bounded only by ctx.
func (c *Client) post(ctx context.Context, d *Descriptor, secret, model string, msgs []models.ChatMessage, stream bool) (*http.Response, error) {
	payload, err := d.BuildRequest(model, msgs, stream)
	if err != nil {
		return nil, NewProviderError(d.ID, model, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError(d.ID, model, fmt.Errorf("marshal request: %w", err))
	}

	url := d.BaseURL + d.ChatPath(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(d.ID, model, err)
	}
	applyHeaders(req, d, secret)

	httpClient := c.http
	if stream {
		httpClient = &http.Client{Transport: c.http.Transport}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError(d.ID, model, err)
	}
	return resp, nil
}

func (c *Client) streamResponse(ctx context.Context, d *Descriptor, model string, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- StreamChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		frame := d.ParseFrame(scanner.Bytes())
		if frame.Skip {
			continue
		}
		if frame.Token != "" {
			out <- StreamChunk{Token: frame.Token}
		}
		if frame.Done {
			out <- StreamChunk{Done: true}
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		out <- StreamChunk{Err: NewProviderError(d.ID, model, err), Done: true}
		return
	}
	// Transport closed without a sentinel: treat as end-of-stream.
	out <- StreamChunk{Done: true}
}

func (c *Client) resolveModel(d *Descriptor, model string) string {
	if strings.TrimSpace(model) == "" {
		return d.DefaultModel
	}
	return model
}

func applyHeaders(req *http.Request, d *Descriptor, secret string) {
	for k, v := range d.Headers(secret) {
		req.Header.Set(k, v)
	}
}

func statusError(provider, model string, status int, body []byte) *ProviderError {
	msg := strings.TrimSpace(observability.Redact(string(body)))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := NewProviderError(provider, model, fmt.Errorf("upstream status %d: %s", status, msg))
	return err.WithStatus(status)
}

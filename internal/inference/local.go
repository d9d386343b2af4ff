package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LocalConfig configures the local runtime client.
type LocalConfig struct {
	// BaseURL of the runtime, e.g. "http://localhost:11434".
	BaseURL string

	// Model is the model to generate with.
	Model string

	// Timeout bounds one generation end to end.
	Timeout time.Duration

	Logger *slog.Logger
}

// Local talks to an Ollama-compatible local runtime streaming
// newline-delimited JSON frames.
type Local struct {
	client  *http.Client
	baseURL string
	model   string
	logger  *slog.Logger

	mu     sync.RWMutex
	loaded bool
}

var _ Engine = (*Local)(nil)

// NewLocal creates a local runtime client. The model is considered not
// loaded until Probe succeeds.
func NewLocal(cfg LocalConfig) *Local {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   strings.TrimSpace(cfg.Model),
		logger:  logger.With("component", "inference"),
	}
}

// Probe checks runtime reachability and updates the loaded flag.
func (l *Local) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.setLoaded(false)
		return false
	}
	resp.Body.Close()
	ok := resp.StatusCode < http.StatusBadRequest && l.model != ""
	l.setLoaded(ok)
	return ok
}

func (l *Local) setLoaded(v bool) {
	l.mu.Lock()
	l.loaded = v
	l.mu.Unlock()
}

// Loaded reports whether the runtime answered the last probe.
func (l *Local) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// ModelID returns the configured model.
func (l *Local) ModelID() string {
	return l.model
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Infer streams tokens for the prompt.
func (l *Local) Infer(ctx context.Context, prompt string) (<-chan string, error) {
	if l.model == "" {
		return nil, errors.New("no local model configured")
	}

	body, err := json.Marshal(generateRequest{Model: l.model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.setLoaded(false)
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("local runtime status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	tokens := make(chan string)
	go l.streamResponse(ctx, resp.Body, tokens)
	return tokens, nil
}

func (l *Local) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var frame generateResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			l.logger.Debug("skipping malformed frame", "line", line)
			continue
		}
		if frame.Error != "" {
			l.logger.Warn("runtime reported error mid-stream", "error", frame.Error)
			return
		}
		if frame.Response != "" {
			select {
			case out <- frame.Response:
			case <-ctx.Done():
				return
			}
		}
		if frame.Done {
			return
		}
	}
}

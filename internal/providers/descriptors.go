package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaylabs/relay/pkg/models"
)

const (
	sseDataPrefix  = "data:"
	sseDoneMarker  = "[DONE]"
	sseEventPrefix = "event:"
)

// --- OpenAI (and any OpenAI-compatible endpoint) ---

func openAIDescriptor() *Descriptor {
	return &Descriptor{
		ID:           "openai",
		BaseURL:      "https://api.openai.com/v1",
		ModelsPath:   "/models",
		ChatPath:     func(string) string { return "/chat/completions" },
		DefaultModel: "gpt-4o-mini",
		Headers: func(secret string) map[string]string {
			return map[string]string{
				"Authorization": "Bearer " + secret,
				"Content-Type":  "application/json",
			}
		},
		BuildRequest: func(model string, msgs []models.ChatMessage, stream bool) (any, error) {
			req := openai.ChatCompletionRequest{Model: model, Stream: stream}
			for _, m := range msgs {
				req.Messages = append(req.Messages, openai.ChatCompletionMessage{
					Role:    string(m.Role),
					Content: m.Content,
				})
			}
			return req, nil
		},
		ParseFrame:    parseOpenAIFrame,
		ParseResponse: parseOpenAIResponse,
		ParseModels:   parseOpenAIModels,
	}
}

// parseOpenAIFrame handles SSE "data:" frames terminated by the [DONE]
// sentinel.
func parseOpenAIFrame(line []byte) StreamFrame {
	payload, ok := ssePayload(line)
	if !ok {
		return StreamFrame{Skip: true}
	}
	if payload == sseDoneMarker {
		return StreamFrame{Done: true}
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return StreamFrame{Skip: true}
	}
	if len(chunk.Choices) == 0 {
		return StreamFrame{Skip: true}
	}
	return StreamFrame{Token: chunk.Choices[0].Delta.Content}
}

func parseOpenAIResponse(body []byte) (string, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func parseOpenAIModels(body []byte) ([]Model, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	out := make([]Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, Model{ID: m.ID, Name: m.ID})
	}
	return out, nil
}

// --- Anthropic ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func anthropicDescriptor() *Descriptor {
	return &Descriptor{
		ID:           "anthropic",
		BaseURL:      "https://api.anthropic.com/v1",
		ChatPath:     func(string) string { return "/messages" },
		DefaultModel: "claude-3-5-haiku-latest",
		StaticModels: []Model{
			{ID: "claude-3-5-haiku-latest", Name: "Claude 3.5 Haiku"},
			{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4"},
		},
		Headers: func(secret string) map[string]string {
			return map[string]string{
				"x-api-key":         secret,
				"anthropic-version": "2023-06-01",
				"Content-Type":      "application/json",
			}
		},
		BuildRequest: func(model string, msgs []models.ChatMessage, stream bool) (any, error) {
			// The system role has no message slot; the first system
			// message moves out of band.
			req := anthropicRequest{Model: model, MaxTokens: 4096, Stream: stream}
			for _, m := range msgs {
				if m.Role == models.RoleSystem {
					if req.System == "" {
						req.System = m.Content
					}
					continue
				}
				req.Messages = append(req.Messages, anthropicMessage{
					Role:    string(m.Role),
					Content: m.Content,
				})
			}
			if len(req.Messages) == 0 {
				return nil, errors.New("no user messages")
			}
			return req, nil
		},
		ParseFrame:    parseAnthropicFrame,
		ParseResponse: parseAnthropicResponse,
	}
}

// parseAnthropicFrame handles typed SSE events: content_block_delta
// carries text deltas, message_stop ends the stream.
func parseAnthropicFrame(line []byte) StreamFrame {
	payload, ok := ssePayload(line)
	if !ok {
		return StreamFrame{Skip: true}
	}

	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StreamFrame{Skip: true}
	}
	switch ev.Type {
	case "content_block_delta":
		return StreamFrame{Token: ev.Delta.Text}
	case "message_stop":
		return StreamFrame{Done: true}
	default:
		return StreamFrame{Skip: true}
	}
}

func parseAnthropicResponse(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// --- Cohere ---

type cohereRequest struct {
	Model       string              `json:"model"`
	Message     string              `json:"message"`
	ChatHistory []cohereHistoryItem `json:"chat_history,omitempty"`
	Preamble    string              `json:"preamble,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type cohereHistoryItem struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

func cohereDescriptor() *Descriptor {
	return &Descriptor{
		ID:           "cohere",
		BaseURL:      "https://api.cohere.ai/v1",
		ModelsPath:   "/models",
		ChatPath:     func(string) string { return "/chat" },
		DefaultModel: "command-r",
		Headers: func(secret string) map[string]string {
			return map[string]string{
				"Authorization": "Bearer " + secret,
				"Content-Type":  "application/json",
			}
		},
		BuildRequest:  buildCohereRequest,
		ParseFrame:    parseCohereFrame,
		ParseResponse: parseCohereResponse,
		ParseModels:   parseCohereModels,
	}
}

// buildCohereRequest takes only the last user message; everything before
// it becomes chat history, with the first system message as preamble.
func buildCohereRequest(model string, msgs []models.ChatMessage, stream bool) (any, error) {
	req := cohereRequest{Model: model, Stream: stream}

	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			last = i
			break
		}
	}
	if last == -1 {
		return nil, errors.New("no user messages")
	}
	req.Message = msgs[last].Content

	for i, m := range msgs {
		if i == last {
			continue
		}
		switch m.Role {
		case models.RoleSystem:
			if req.Preamble == "" {
				req.Preamble = m.Content
			}
		case models.RoleAssistant:
			req.ChatHistory = append(req.ChatHistory, cohereHistoryItem{Role: "CHATBOT", Message: m.Content})
		default:
			req.ChatHistory = append(req.ChatHistory, cohereHistoryItem{Role: "USER", Message: m.Content})
		}
	}
	return req, nil
}

// parseCohereFrame handles newline-delimited JSON events; the stream ends
// with an explicit stream-end event rather than a sentinel line.
func parseCohereFrame(line []byte) StreamFrame {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return StreamFrame{Skip: true}
	}

	var ev struct {
		EventType string `json:"event_type"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return StreamFrame{Skip: true}
	}
	switch ev.EventType {
	case "text-generation":
		return StreamFrame{Token: ev.Text}
	case "stream-end":
		return StreamFrame{Done: true}
	default:
		return StreamFrame{Skip: true}
	}
}

func parseCohereResponse(body []byte) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Text, nil
}

func parseCohereModels(body []byte) ([]Model, error) {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	out := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, Model{ID: m.Name, Name: m.Name})
	}
	return out, nil
}

// ssePayload extracts the payload of an SSE "data:" line. Event-type
// lines, comments and blank lines yield ok=false.
func ssePayload(line []byte) (string, bool) {
	s := strings.TrimSpace(string(line))
	if s == "" || strings.HasPrefix(s, ":") || strings.HasPrefix(s, sseEventPrefix) {
		return "", false
	}
	if !strings.HasPrefix(s, sseDataPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, sseDataPrefix)), true
}

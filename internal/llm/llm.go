// Package llm is a minimal client for OpenAI-compatible chat completion
// APIs. One endpoint shape covers every backend the service supports:
// OpenAI itself, Azure-style proxies, and local runtimes such as Ollama
// all speak /v1/chat/completions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
)

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt   string
	Messages       []Message
	MaxTokens      int     // 0 = default
	Temperature    float64 // 0 is a valid value; see HasTemperature
	HasTemperature bool    // false = omit the field, let the API default apply
}

// Response is what the model returns.
type Response struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", or a provider-specific value
	Usage      Usage
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates a chat client. For Ollama, use
// WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Chat sends the conversation and returns the model's reply.
func (c *Client) Chat(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildRequest(req *Request) apiRequest {
	var messages []apiMessage
	if req.SystemPrompt != "" {
		messages = append(messages, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := apiRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.HasTemperature {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	return apiReq
}

func toResponse(apiResp *apiResponse) *Response {
	usage := Usage{
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	if len(apiResp.Choices) == 0 {
		return &Response{Usage: usage}
	}
	choice := apiResp.Choices[0]
	return &Response{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage:      usage,
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- API wire types (unexported) ---

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

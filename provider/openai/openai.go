// Package openai talks to any OpenAI compatible chat completion API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/yanolja/failover"
)

const DefaultBaseUrl = "https://api.openai.com/v1"

// Bounds a single HTTP exchange. The proxy applies its own timeout on top.
const httpTimeout = 5 * time.Minute

// ErrQuotaExceeded is returned on HTTP 429.
var ErrQuotaExceeded = errors.New("quota exceeded")

type Endpoint struct {
	name      string
	apiKey    string
	baseUrl   *url.URL
	model     string
	maxTokens int
	client    *http.Client
}

type Option func(*Endpoint)

func WithHttpClient(client *http.Client) Option {
	return func(e *Endpoint) {
		e.client = client
	}
}

// WithDefaults sets the model and output token limit used when a request does
// not carry them.
func WithDefaults(model string, maxTokens int) Option {
	return func(e *Endpoint) {
		e.model = model
		e.maxTokens = maxTokens
	}
}

func NewEndpoint(name string, baseUrl string, apiKey string, opts ...Option) (*Endpoint, error) {
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, errors.New("invalid endpoint: URL must have a scheme and host")
	}

	endpoint := &Endpoint{
		name:    name,
		apiKey:  apiKey,
		baseUrl: parsedBaseUrl,
		client:  &http.Client{Timeout: httpTimeout},
	}
	for _, opt := range opts {
		opt(endpoint)
	}
	return endpoint, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type ChatCompletionResponse struct {
	Id      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (e *Endpoint) Generate(ctx context.Context, request *failover.Request) (*failover.Response, error) {
	if request == nil {
		return nil, errors.New("request is required")
	}

	body := chatCompletionRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
	}
	if body.Model == "" {
		body.Model = e.model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = e.maxTokens
	}
	if system, ok := request.Options["system"].(string); ok && system != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: request.Prompt})
	body.Temperature = floatOption(request.Options, "temperature")
	body.TopP = floatOption(request.Options, "top_p")
	if stop, ok := request.Options["stop"].([]string); ok {
		body.Stop = stop
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := e.do(ctx, http.MethodPost, "chat/completions", jsonData)
	if err != nil {
		return nil, err
	}

	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}

	return &failover.Response{
		Provider:     e.name,
		Model:        completion.Model,
		Content:      completion.Choices[0].Message.Content,
		FinishReason: completion.Choices[0].FinishReason,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		Raw:          &completion,
	}, nil
}

// HealthCheck lists the models, which needs a valid key but costs no tokens.
func (e *Endpoint) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := e.do(ctx, http.MethodGet, "models", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Endpoint) do(ctx context.Context, method string, path string, body []byte) ([]byte, error) {
	endpointPath, err := url.JoinPath(e.baseUrl.String(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, endpointPath, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if e.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	httpResponse, err := e.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer httpResponse.Body.Close()

	respBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case httpResponse.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, string(respBody))
	case httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", httpResponse.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) Shutdown() error {
	e.client.CloseIdleConnections()
	return nil
}

func floatOption(options map[string]any, key string) *float64 {
	switch value := options[key].(type) {
	case float64:
		return &value
	case int:
		f := float64(value)
		return &f
	}
	return nil
}

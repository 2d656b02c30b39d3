// Package claude talks to the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yanolja/failover"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 4096
)

type anthropicClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Endpoint struct {
	name      string
	client    anthropicClient
	model     string
	maxTokens int
}

// NewEndpoint uses the public API if baseUrl is empty.
func NewEndpoint(name string, baseUrl string, apiKey string, model string, maxTokens int) *Endpoint {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseUrl != "" {
		opts = append(opts, option.WithBaseURL(baseUrl))
	}
	client := anthropic.NewClient(opts...)
	return newEndpointWithClient(name, &client.Messages, model, maxTokens)
}

func newEndpointWithClient(name string, client anthropicClient, model string, maxTokens int) *Endpoint {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Endpoint{name: name, client: client, model: model, maxTokens: maxTokens}
}

func (ep *Endpoint) Generate(ctx context.Context, request *failover.Request) (*failover.Response, error) {
	if request == nil {
		return nil, errors.New("request is required")
	}

	message, err := ep.client.New(ctx, ep.toClaudeParams(request))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &failover.Response{
		Provider:     ep.name,
		Model:        string(message.Model),
		Content:      content.String(),
		FinishReason: toFinishReason(string(message.StopReason)),
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
		Raw:          message,
	}, nil
}

// HealthCheck sends a one token message.
func (ep *Endpoint) HealthCheck(ctx context.Context) (bool, error) {
	_, err := ep.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(ep.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Ping")),
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (ep *Endpoint) Name() string {
	return ep.name
}

func (ep *Endpoint) toClaudeParams(request *failover.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ep.model),
		MaxTokens: int64(ep.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
	}
	if request.Model != "" {
		params.Model = anthropic.Model(request.Model)
	}
	if request.MaxTokens > 0 {
		params.MaxTokens = int64(request.MaxTokens)
	}
	if system, ok := request.Options["system"].(string); ok && system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature, ok := request.Options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(temperature)
	}
	if stop, ok := request.Options["stop"].([]string); ok {
		params.StopSequences = stop
	}
	return params
}

// Uses the OpenAI vocabulary so responses look the same whichever provider
// served them.
func toFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "tool_use":
		return "stop"
	case "":
		return ""
	}
	return "content_filter"
}

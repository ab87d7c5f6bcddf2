package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	minimaxBaseURL    = "https://api.minimax.io/v1"
)

// OpenAIProvider implements Provider using the OpenAI Chat Completions API
// or any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
	// clampTemperature keeps temperature in (0, 1] for endpoints that reject 0.
	clampTemperature bool
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		name:   "openai",
		model:  model,
	}
}

// NewCompatibleProvider creates a provider for an OpenAI-compatible API at
// baseURL.
func NewCompatibleProvider(name, baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		client:           openai.NewClientWithConfig(cfg),
		name:             name,
		model:            model,
		clampTemperature: name == "minimax",
	}
}

// NewOpenRouterProvider creates a provider for OpenRouter.
func NewOpenRouterProvider(apiKey string, model string) *OpenAIProvider {
	return NewCompatibleProvider("openrouter", openRouterBaseURL, apiKey, model)
}

// NewMinimaxProvider creates a provider for MiniMax.
func NewMinimaxProvider(apiKey string, model string) *OpenAIProvider {
	return NewCompatibleProvider("minimax", minimaxBaseURL, apiKey, model)
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	temp := req.Temperature
	if p.clampTemperature {
		if temp <= 0 {
			temp = 0.01
		} else if temp > 1.0 {
			temp = 1.0
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(temp),
	}

	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	out := &CompletionResponse{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ai "github.com/sashabaranov/go-openai"

	"gokernel/internal/config"
	"gokernel/internal/models"
	"gokernel/internal/provider"
)

// Provider implements the Provider interface for OpenAI and Azure OpenAI.
type Provider struct {
	name   string
	client *ai.Client
	models []models.Model
}

// New creates a provider for the OpenAI API or any compatible endpoint.
func New(name string, cfg config.ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	clientCfg := ai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	clientCfg.HTTPClient = withHeaders(httpClient, cfg.Headers)

	return &Provider{
		name:   name,
		client: ai.NewClientWithConfig(clientCfg),
		models: modelList(name, cfg.Models),
	}, nil
}

// NewAzure creates a provider for an Azure OpenAI resource. Model IDs are
// mapped to their configured deployment names.
func NewAzure(name string, cfg config.AzureConfig, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/")
	if endpoint == "" {
		return nil, errors.New("azure endpoint must not be empty")
	}

	deployments := make(map[string]string, len(cfg.Models))
	for _, m := range cfg.Models {
		deployment := m.Deployment
		if deployment == "" {
			deployment = m.ID
		}
		deployments[m.ID] = deployment
	}

	clientCfg := ai.DefaultAzureConfig(cfg.APIKey, endpoint)
	if cfg.APIVersion != "" {
		clientCfg.APIVersion = cfg.APIVersion
	}
	clientCfg.AzureModelMapperFunc = func(model string) string {
		if d, ok := deployments[model]; ok {
			return d
		}
		return model
	}
	clientCfg.HTTPClient = withHeaders(httpClient, cfg.Headers)

	return &Provider{
		name:   name,
		client: ai.NewClientWithConfig(clientCfg),
		models: modelList(name, cfg.Models),
	}, nil
}

func modelList(name string, cfgModels []config.ModelConfig) []models.Model {
	out := make([]models.Model, 0, len(cfgModels))
	for _, m := range cfgModels {
		out = append(out, models.Model{ID: m.ID, Provider: name, APIStyle: "openai"})
	}
	return out
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (*models.ChatResponse, error) {
	payload, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, payload)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return toUnified(resp)
}

// Embed implements provider.Embedder.
func (p *Provider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, ai.EmbeddingRequest{
		Input: inputs,
		Model: ai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", p.name, len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, e := range resp.Data {
		if e.Index < 0 || e.Index >= len(out) {
			return nil, fmt.Errorf("%s returned embedding index %d out of range", p.name, e.Index)
		}
		out[e.Index] = e.Embedding
	}
	return out, nil
}

func (p *Provider) wrapError(err error) error {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		return &provider.APIError{
			Provider:   p.name,
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		}
	}
	var reqErr *ai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &provider.APIError{
			Provider:   p.name,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
		}
	}
	return fmt.Errorf("%s chat request failed: %w", p.name, err)
}

func buildChatRequest(req provider.ChatRequest) (ai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return ai.ChatCompletionRequest{}, errors.New("messages must not be empty")
	}

	messages := make([]ai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		converted, err := toChatMessage(msg)
		if err != nil {
			return ai.ChatCompletionRequest{}, err
		}
		messages = append(messages, converted)
	}

	s := req.Settings
	out := ai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stop:     s.StopSequences,
		Seed:     s.Seed,
	}
	if s.Temperature != nil {
		out.Temperature = float32(*s.Temperature)
	}
	if s.TopP != nil {
		out.TopP = float32(*s.TopP)
	}
	if s.MaxTokens != nil {
		out.MaxTokens = *s.MaxTokens
	}
	if s.PresencePenalty != nil {
		out.PresencePenalty = float32(*s.PresencePenalty)
	}
	if s.FrequencyPenalty != nil {
		out.FrequencyPenalty = float32(*s.FrequencyPenalty)
	}
	if user, ok := s.Extra["user"].(string); ok {
		out.User = user
	}
	if s.ResponseFormat == models.ResponseFormatJSONObject {
		out.ResponseFormat = &ai.ChatCompletionResponseFormat{Type: ai.ChatCompletionResponseFormatTypeJSONObject}
	}

	if len(req.Tools) > 0 {
		tools := make([]ai.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			params, err := provider.SchemaJSON(def)
			if err != nil {
				return ai.ChatCompletionRequest{}, err
			}
			tools = append(tools, ai.Tool{
				Type: ai.ToolTypeFunction,
				Function: &ai.FunctionDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  params,
				},
			})
		}
		out.Tools = tools
		out.ToolChoice = string(s.FunctionChoice.Mode)
		if !s.FunctionChoice.AllowConcurrentInvocation {
			out.ParallelToolCalls = false
		}
	}

	return out, nil
}

func toChatMessage(msg models.Message) (ai.ChatCompletionMessage, error) {
	switch msg.Role {
	case models.RoleSystem, models.RoleUser:
		return ai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content, Name: msg.Name}, nil
	case models.RoleAssistant:
		out := ai.ChatCompletionMessage{Role: ai.ChatMessageRoleAssistant, Content: msg.Content}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ai.ToolCall{
				ID:   call.ID,
				Type: ai.ToolTypeFunction,
				Function: ai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		return out, nil
	case models.RoleTool:
		return ai.ChatCompletionMessage{
			Role:       ai.ChatMessageRoleTool,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}, nil
	default:
		return ai.ChatCompletionMessage{}, fmt.Errorf("%w: %q", models.ErrInvalidRole, msg.Role)
	}
}

func toUnified(resp ai.ChatCompletionResponse) (*models.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, provider.ErrNoChoices
	}
	choice := resp.Choices[0]

	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	if choice.FinishReason == ai.FinishReasonContentFilter && msg.Content == "" && !msg.HasToolCalls() {
		return nil, provider.ErrBlocked
	}
	if msg.Content == "" && !msg.HasToolCalls() {
		return nil, provider.ErrEmptyResponse
	}

	return &models.ChatResponse{
		ID:           resp.ID,
		Message:      msg,
		FinishReason: models.FinishReason(choice.FinishReason),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// headerTransport adds configured static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return client
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *client
	clone.Transport = &headerTransport{base: base, headers: headers}
	return &clone
}

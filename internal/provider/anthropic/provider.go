package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gokernel/internal/config"
	"gokernel/internal/models"
	"gokernel/internal/provider"
)

const (
	contentTypeJSON  = "application/json"
	userAgent        = "gokernel/0.1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider implements Anthropic Messages API interactions.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	client   *http.Client
	models   []models.Model
	messages string
}

// New constructs an Anthropic provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{
			ID:       model.ID,
			Provider: name,
			APIStyle: "anthropic",
		})
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		client:   client,
		models:   modelsList,
		messages: baseURL + "/v1/messages",
	}, nil
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
	// Adjacent turns of one role are merged below, so only the opening turn is checked.
	if err := models.HistoryFrom(req.Messages).ValidateTurnOrder(false); err != nil {
		return nil, err
	}
	payload, err := buildMessagePayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.messages, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.ParseAPIError(p.name, httpResp)
	}

	var providerResp messageResponse
	if err := provider.DecodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toUnified()
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model         string      `json:"model"`
	Messages      []message   `json:"messages"`
	System        string      `json:"system,omitempty"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Tools         []tool      `json:"tools,omitempty"`
	ToolChoice    *toolChoice `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type                   string `json:"type"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

func buildMessagePayload(req provider.ChatRequest) (messagePayload, error) {
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string

	appendBlocks := func(role string, blocks ...contentBlock) {
		// The API expects alternating roles; adjacent turns of one role merge.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, message{Role: role, Content: blocks})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case models.RoleUser:
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				return messagePayload{}, errors.New("anthropic messages must not be empty")
			}
			appendBlocks("user", contentBlock{Type: "text", Text: text})
		case models.RoleAssistant:
			var blocks []contentBlock
			if text := strings.TrimSpace(msg.Content); text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: text})
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(strings.TrimSpace(call.Arguments))
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: input})
			}
			if len(blocks) == 0 {
				return messagePayload{}, errors.New("anthropic messages must not be empty")
			}
			appendBlocks("assistant", blocks...)
		case models.RoleTool:
			appendBlocks("user", contentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   strings.HasPrefix(msg.Content, "Error: "),
			})
		default:
			return messagePayload{}, fmt.Errorf("anthropic provider does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("anthropic request requires at least one user message")
	}
	if messages[0].Role != "user" {
		return messagePayload{}, errors.New("anthropic conversation must start with a user message")
	}

	s := req.Settings
	payload := messagePayload{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     defaultMaxTokens,
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		StopSequences: s.StopSequences,
	}
	if s.MaxTokens != nil {
		payload.MaxTokens = *s.MaxTokens
	}
	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}

	// Tools stay declared under "none" so earlier tool_use blocks remain valid.
	if len(req.Tools) > 0 {
		for _, def := range req.Tools {
			schema, err := provider.SchemaJSON(def)
			if err != nil {
				return messagePayload{}, err
			}
			payload.Tools = append(payload.Tools, tool{Name: def.Name, Description: def.Description, InputSchema: schema})
		}
		choice := &toolChoice{Type: "auto", DisableParallelToolUse: !s.FunctionChoice.AllowConcurrentInvocation}
		switch s.FunctionChoice.Mode {
		case models.FunctionChoiceRequired:
			choice.Type = "any"
		case models.FunctionChoiceNone:
			choice = &toolChoice{Type: "none"}
		}
		payload.ToolChoice = choice
	}

	return payload, nil
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (r messageResponse) toUnified() (*models.ChatResponse, error) {
	if len(r.Content) == 0 {
		if r.StopReason == "refusal" {
			return nil, provider.ErrBlocked
		}
		return nil, provider.ErrNoChoices
	}

	msg := models.Message{Role: models.RoleAssistant}
	text := strings.Builder{}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		case "thinking", "redacted_thinking":
		default:
			return nil, fmt.Errorf("anthropic returned unsupported content block type %q", block.Type)
		}
	}
	msg.Content = text.String()
	if msg.Content == "" && !msg.HasToolCalls() {
		return nil, provider.ErrEmptyResponse
	}

	return &models.ChatResponse{
		ID:           r.ID,
		Message:      msg,
		FinishReason: stopReason(r.StopReason),
		Usage: models.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}, nil
}

func stopReason(reason string) models.FinishReason {
	switch reason {
	case "max_tokens":
		return models.FinishReasonLength
	case "tool_use":
		return models.FinishReasonToolCalls
	case "refusal":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonStop
	}
}

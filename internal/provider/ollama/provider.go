package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"gokernel/internal/config"
	"gokernel/internal/models"
	"gokernel/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "gokernel/0.1"
)

// Provider implements the Ollama chat and embed APIs.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	client   *http.Client
	models   []models.Model
	chatURL  string
	embedURL string
}

// New constructs an Ollama provider. The API key is optional and only sent
// when configured, for hosted instances behind a proxy.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: m.ID, Provider: name, APIStyle: "ollama"})
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		client:   client,
		models:   modelsList,
		chatURL:  baseURL + "/api/chat",
		embedURL: baseURL + "/api/embed",
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
	payload, err := buildChatPayload(req)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := p.post(ctx, p.chatURL, payload, &resp); err != nil {
		return nil, err
	}
	return resp.toUnified()
}

// Embed implements provider.Embedder.
func (p *Provider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp embedResponse
	if err := p.post(ctx, p.embedURL, embedRequest{Model: model, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", p.name, len(resp.Embeddings), len(inputs))
	}
	return resp.Embeddings, nil
}

func (p *Provider) post(ctx context.Context, url string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return provider.ParseAPIError(p.name, resp)
	}
	return provider.DecodeJSON(resp.Body, target)
}

type chatPayload struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Tools    []tool         `json:"tools,omitempty"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func buildChatPayload(req provider.ChatRequest) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("messages must not be empty")
	}

	msgs := make([]message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if _, err := models.ParseRole(string(msg.Role)); err != nil {
			return chatPayload{}, err
		}
		out := message{Role: string(msg.Role), Content: msg.Content}
		for _, call := range msg.ToolCalls {
			args := json.RawMessage(strings.TrimSpace(call.Arguments))
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, toolCall{Function: functionCall{Name: call.Name, Arguments: args}})
		}
		if msg.Role == models.RoleTool {
			out.ToolName = msg.Name
		}
		msgs = append(msgs, out)
	}

	payload := chatPayload{
		Model:    req.Model,
		Messages: msgs,
		Stream:   false,
		Options:  options(req.Settings),
	}
	if req.Settings.ResponseFormat == models.ResponseFormatJSONObject {
		payload.Format = "json"
	}

	// Ollama has no tool_choice; "none" is expressed by omitting the tools.
	if len(req.Tools) > 0 && req.Settings.FunctionChoice.Mode != models.FunctionChoiceNone {
		for _, def := range req.Tools {
			params, err := provider.SchemaJSON(def)
			if err != nil {
				return chatPayload{}, err
			}
			payload.Tools = append(payload.Tools, tool{
				Type:     "function",
				Function: toolFunction{Name: def.Name, Description: def.Description, Parameters: params},
			})
		}
	}
	return payload, nil
}

func options(s models.ExecutionSettings) map[string]any {
	opts := map[string]any{}
	if s.Temperature != nil {
		opts["temperature"] = *s.Temperature
	}
	if s.TopP != nil {
		opts["top_p"] = *s.TopP
	}
	if s.MaxTokens != nil {
		opts["num_predict"] = *s.MaxTokens
	}
	if len(s.StopSequences) > 0 {
		opts["stop"] = s.StopSequences
	}
	if s.Seed != nil {
		opts["seed"] = *s.Seed
	}
	if s.PresencePenalty != nil {
		opts["presence_penalty"] = *s.PresencePenalty
	}
	if s.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *s.FrequencyPenalty
	}
	for k, v := range s.Extra {
		if _, set := opts[k]; !set {
			opts[k] = v
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

func (r chatResponse) toUnified() (*models.ChatResponse, error) {
	msg := models.Message{Role: models.RoleAssistant, Content: r.Message.Content}
	for _, call := range r.Message.ToolCalls {
		// Ollama does not always assign call IDs; tool results need one.
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := string(call.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: id, Name: call.Function.Name, Arguments: args})
	}
	if msg.Content == "" && !msg.HasToolCalls() {
		return nil, provider.ErrEmptyResponse
	}

	reason := models.FinishReasonStop
	switch {
	case msg.HasToolCalls():
		reason = models.FinishReasonToolCalls
	case r.DoneReason == "length":
		reason = models.FinishReasonLength
	}

	return &models.ChatResponse{
		Message:      msg,
		FinishReason: reason,
		Usage: models.Usage{
			PromptTokens:     r.PromptEvalCount,
			CompletionTokens: r.EvalCount,
			TotalTokens:      r.PromptEvalCount + r.EvalCount,
		},
	}, nil
}

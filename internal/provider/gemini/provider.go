package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
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

// Provider talks to the Gemini generateContent REST API.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	models  []models.Model
}

// New constructs a Gemini provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: m.ID, Provider: name, APIStyle: "gemini"})
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
		models:  modelsList,
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
	if err := models.HistoryFrom(req.Messages).ValidateTurnOrder(true); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))
	httpReq, err := p.newRequest(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.ParseAPIError(p.name, httpResp)
	}

	var resp generateResponse
	if err := provider.DecodeJSON(httpResp.Body, &resp); err != nil {
		return nil, err
	}
	return resp.toUnified()
}

func (p *Provider) newRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

func buildPayload(req provider.ChatRequest) (generateRequest, error) {
	var (
		out         generateRequest
		systemParts []part
	)

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, part{Text: msg.Content})
			}
		case models.RoleUser:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		case models.RoleAssistant:
			c := content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := json.RawMessage(strings.TrimSpace(call.Arguments))
				if len(args) == 0 || !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: call.Name, Args: args}})
			}
			out.Contents = append(out.Contents, c)
		case models.RoleTool:
			fr := part{FunctionResponse: &functionResponse{Name: msg.Name, Response: responseObject(msg.Content)}}
			// Results of one batch of calls travel in a single turn.
			if n := len(out.Contents); n > 0 && isFunctionResponse(out.Contents[n-1]) {
				out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, fr)
				continue
			}
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{fr}})
		default:
			return generateRequest{}, fmt.Errorf("%w: %q", models.ErrInvalidRole, msg.Role)
		}
	}

	if len(out.Contents) == 0 {
		return generateRequest{}, errors.New("gemini request requires at least one user message")
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &content{Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			params, err := sanitizeSchema(def)
			if err != nil {
				return generateRequest{}, err
			}
			decls = append(decls, functionDeclaration{Name: def.Name, Description: def.Description, Parameters: params})
		}
		out.Tools = []tool{{FunctionDeclarations: decls}}

		choice := req.Settings.FunctionChoice
		cfg := functionCallingConfig{Mode: "AUTO"}
		switch choice.Mode {
		case models.FunctionChoiceRequired:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = choice.Functions
		case models.FunctionChoiceNone:
			cfg.Mode = "NONE"
		}
		out.ToolConfig = &toolConfig{FunctionCallingConfig: cfg}
	}

	s := req.Settings
	gen := generationConfig{
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		MaxOutputTokens:  s.MaxTokens,
		StopSequences:    s.StopSequences,
		PresencePenalty:  s.PresencePenalty,
		FrequencyPenalty: s.FrequencyPenalty,
		Seed:             s.Seed,
	}
	if s.ResponseFormat == models.ResponseFormatJSONObject {
		gen.ResponseMimeType = contentTypeJSON
	}
	if !gen.empty() {
		out.GenerationConfig = &gen
	}

	return out, nil
}

func (g generationConfig) empty() bool {
	return g.Temperature == nil && g.TopP == nil && g.MaxOutputTokens == nil &&
		len(g.StopSequences) == 0 && g.PresencePenalty == nil && g.FrequencyPenalty == nil &&
		g.Seed == nil && g.ResponseMimeType == ""
}

func isFunctionResponse(c content) bool {
	return c.Role == "user" && len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

// responseObject wraps a tool result into the JSON object Gemini requires.
func responseObject(result string) json.RawMessage {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	data, _ := json.Marshal(map[string]string{"result": result})
	return data
}

// unsupportedSchemaKeys are JSON Schema keywords the Gemini API rejects.
var unsupportedSchemaKeys = []string{"$schema", "$id", "$defs", "additionalProperties", "title", "default", "examples"}

// sanitizeSchema converts a tool schema into the OpenAPI subset Gemini
// accepts: unsupported keywords are dropped and ["null", T] type unions
// become a nullable T.
func sanitizeSchema(def provider.ToolDefinition) (map[string]any, error) {
	raw, err := provider.SchemaJSON(def)
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", def.Name, err)
	}
	cleanSchema(schema)
	if props, ok := schema["properties"].(map[string]any); ok && len(props) == 0 {
		// An object without properties is rejected; omit parameters instead.
		return nil, nil
	}
	return schema, nil
}

func cleanSchema(node map[string]any) {
	for _, key := range unsupportedSchemaKeys {
		delete(node, key)
	}
	if types, ok := node["type"].([]any); ok {
		var kept []string
		for _, t := range types {
			if s, ok := t.(string); ok && s != "null" {
				kept = append(kept, s)
			}
		}
		if len(kept) == 1 {
			node["type"] = kept[0]
		}
		if len(kept) < len(types) {
			node["nullable"] = true
		}
	}
	if props, ok := node["properties"].(map[string]any); ok {
		for _, v := range props {
			if child, ok := v.(map[string]any); ok {
				cleanSchema(child)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		cleanSchema(items)
	}
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ResponseID string `json:"responseId"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

func (r generateResponse) toUnified() (*models.ChatResponse, error) {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: %s", provider.ErrBlocked, r.PromptFeedback.BlockReason)
	}
	if len(r.Candidates) == 0 {
		return nil, provider.ErrNoChoices
	}
	cand := r.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return nil, provider.ErrBlocked
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, pt := range cand.Content.Parts {
		switch {
		case pt.FunctionCall != nil:
			id := pt.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			args := string(pt.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: id, Name: pt.FunctionCall.Name, Arguments: args})
		case pt.Text != "":
			text.WriteString(pt.Text)
		}
	}
	msg.Content = text.String()
	if msg.Content == "" && !msg.HasToolCalls() {
		return nil, provider.ErrEmptyResponse
	}

	total := r.UsageMetadata.TotalTokenCount
	if total == 0 {
		total = r.UsageMetadata.PromptTokenCount + r.UsageMetadata.CandidatesTokenCount
	}

	return &models.ChatResponse{
		ID:           r.ResponseID,
		Message:      msg,
		FinishReason: finishReason(cand.FinishReason, msg.HasToolCalls()),
		Usage: models.Usage{
			PromptTokens:     r.UsageMetadata.PromptTokenCount,
			CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      total,
		},
	}, nil
}

func finishReason(reason string, toolCalls bool) models.FinishReason {
	if toolCalls {
		return models.FinishReasonToolCalls
	}
	switch reason {
	case "MAX_TOKENS":
		return models.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonStop
	}
}

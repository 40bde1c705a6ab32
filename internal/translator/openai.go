package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gokernel/internal/models"
)

var (
	errEmptyMessages    = errors.New("at least one message is required")
	errUnsupportedStop  = errors.New("unsupported stop value")
	errInvalidContent   = errors.New("invalid message content")
	errStreaming        = errors.New("streaming responses are not supported")
	errClientTools      = errors.New("client-defined tools are not supported; registered plugins are advertised automatically")
	errInvalidToolCall  = errors.New("invalid tool call")
	errInvalidChoice    = errors.New("unsupported tool_choice")
	errInvalidRespFmt   = errors.New("unsupported response_format")
	errInvalidFunctions = errors.New("functions must be fully qualified plugin-function names")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Functions is an extension that restricts which registered plugin functions
// are advertised.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int
	Stop             []string
	ResponseFormat   models.ResponseFormat
	ToolChoice       models.FunctionChoiceMode
	ParallelTools    *bool
	Functions        []string
	User             string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model             string          `json:"model"`
		Messages          []ChatMessage   `json:"messages"`
		Stream            bool            `json:"stream"`
		MaxTokens         *int            `json:"max_tokens"`
		MaxCompletion     *int            `json:"max_completion_tokens"`
		Temperature       *float64        `json:"temperature"`
		TopP              *float64        `json:"top_p"`
		FrequencyPenalty  *float64        `json:"frequency_penalty"`
		PresencePenalty   *float64        `json:"presence_penalty"`
		Seed              *int            `json:"seed"`
		Stop              json.RawMessage `json:"stop"`
		ResponseFormat    json.RawMessage `json:"response_format"`
		Tools             json.RawMessage `json:"tools"`
		ToolChoice        json.RawMessage `json:"tool_choice"`
		ParallelToolCalls *bool           `json:"parallel_tool_calls"`
		Functions         []string        `json:"functions"`
		User              string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}
	if raw.Stream {
		return errStreaming
	}
	if len(raw.Tools) > 0 && string(raw.Tools) != "null" && string(raw.Tools) != "[]" {
		return errClientTools
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	format, err := parseResponseFormat(raw.ResponseFormat)
	if err != nil {
		return err
	}
	choice, err := parseToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}
	for _, fn := range raw.Functions {
		if !strings.Contains(fn, "-") {
			return fmt.Errorf("%w: %q", errInvalidFunctions, fn)
		}
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletion
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Seed = raw.Seed
	r.Stop = stopValues
	r.ResponseFormat = format
	r.ToolChoice = choice
	r.ParallelTools = raw.ParallelToolCalls
	r.Functions = raw.Functions
	r.User = strings.TrimSpace(raw.User)

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.toModel().Validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// History converts the request messages into a chat history.
func (r ChatCompletionRequest) History() *models.ChatHistory {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, m.toModel())
	}
	return models.HistoryFrom(msgs)
}

// Settings converts the request options into execution settings. Function
// calls are always auto-invoked against the registered plugins.
func (r ChatCompletionRequest) Settings() models.ExecutionSettings {
	settings := models.ExecutionSettings{
		ModelID:          r.Model,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		MaxTokens:        r.MaxTokens,
		StopSequences:    r.Stop,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		Seed:             r.Seed,
		ResponseFormat:   r.ResponseFormat,
		FunctionChoice: models.FunctionChoiceBehavior{
			Mode:       r.ToolChoice,
			AutoInvoke: true,
			Functions:  r.Functions,
		},
	}
	if r.ParallelTools != nil {
		settings.FunctionChoice.AllowConcurrentInvocation = *r.ParallelTools
	}
	if r.User != "" {
		settings.Extra = map[string]any{"user": r.User}
	}
	return settings
}

// ChatMessage captures a single message within the chat request or response.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is the OpenAI wire shape of a function call.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnmarshalJSON supports string, null and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}
	for i, call := range raw.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Function.Name) == "" {
			return fmt.Errorf("%w: tool_calls[%d] requires id and function name", errInvalidToolCall, i)
		}
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	return nil
}

func (m ChatMessage) toModel() models.Message {
	msg := models.Message{
		Role:       models.Role(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, call := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return msg
}

// FromMessage renders a unified message in the OpenAI wire shape.
func FromMessage(msg models.Message) ChatMessage {
	out := ChatMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: FunctionCall{Name: call.Name, Arguments: call.Arguments},
		})
	}
	return out
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseResponseFormat(raw json.RawMessage) (models.ResponseFormat, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var format struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &format); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidRespFmt, err)
	}
	switch models.ResponseFormat(format.Type) {
	case models.ResponseFormatText, models.ResponseFormatJSONObject:
		return models.ResponseFormat(format.Type), nil
	}
	return "", fmt.Errorf("%w: %q", errInvalidRespFmt, format.Type)
}

// parseToolChoice accepts the string modes. The default is auto so the
// registered plugins are usable without extra request fields.
func parseToolChoice(raw json.RawMessage) (models.FunctionChoiceMode, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.FunctionChoiceAuto, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err != nil {
		return "", fmt.Errorf("%w: only \"none\", \"auto\" and \"required\" are accepted", errInvalidChoice)
	}
	switch m := models.FunctionChoiceMode(mode); m {
	case models.FunctionChoiceNone, models.FunctionChoiceAuto, models.FunctionChoiceRequired:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", errInvalidChoice, mode)
}

// ChatCompletionResponse models the OpenAI-compatible chat response. History
// carries the assistant tool calls and tool results produced while answering.
type ChatCompletionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChatChoice  `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
	History []ChatMessage `json:"history,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromChatResponse constructs the OpenAI response shape. intermediate holds
// the messages appended to the history before the final answer.
func FromChatResponse(modelID string, createdUnix int64, resp *models.ChatResponse, intermediate []models.Message) ChatCompletionResponse {
	choice := ChatChoice{
		Index:        0,
		Message:      FromMessage(resp.Message),
		FinishReason: string(resp.FinishReason),
	}

	var usage *OpenAIUsage
	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	var history []ChatMessage
	for _, msg := range intermediate {
		history = append(history, FromMessage(msg))
	}

	return ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{choice},
		Usage:   usage,
		History: history,
	}
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func FromModels(list []models.Model) ModelList {
	out := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(list))}
	for _, m := range list {
		out.Data = append(out.Data, ModelInfo{ID: m.ID, Object: "model", OwnedBy: m.Provider})
	}
	return out
}

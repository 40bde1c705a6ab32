package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gokernel/internal/config"
	"gokernel/internal/models"
	"gokernel/internal/provider"
)

func TestChatToolUseRoundTrip(t *testing.T) {
	var payload messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "time-now", "input": {}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	p, err := New("anthropic", config.ProviderConfig{
		APIKey:  "ak-test",
		BaseURL: srv.URL,
		Models:  []config.ModelConfig{{ID: "claude-3-5-haiku-latest"}},
	}, srv.Client())
	require.NoError(t, err)

	call := models.ToolCall{ID: "toolu_0", Name: "math-add", Arguments: `{"a":1,"b":2}`}
	resp, err := p.Chat(context.Background(), provider.ChatRequest{
		Model: "claude-3-5-haiku-latest",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "add then tell the time"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
			{Role: models.RoleTool, ToolCallID: "toolu_0", Name: "math-add", Content: "3"},
		},
		Settings: models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()},
		Tools:    []provider.ToolDefinition{{Name: "time-now"}, {Name: "math-add"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "{}", resp.Message.ToolCalls[0].Arguments)
	assert.Equal(t, models.FinishReasonToolCalls, resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	assert.Equal(t, "be brief", payload.System)
	assert.Equal(t, defaultMaxTokens, payload.MaxTokens)
	require.Len(t, payload.Messages, 3)
	assert.Equal(t, "tool_use", payload.Messages[1].Content[0].Type)
	result := payload.Messages[2]
	assert.Equal(t, "user", result.Role)
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "toolu_0", result.Content[0].ToolUseID)
	require.NotNil(t, payload.ToolChoice)
	assert.Equal(t, "auto", payload.ToolChoice.Type)
	assert.Len(t, payload.Tools, 2)
}

func TestBuildMessagePayloadValidation(t *testing.T) {
	_, err := buildMessagePayload(provider.ChatRequest{Messages: []models.Message{{Role: models.RoleSystem, Content: "only system"}}})
	assert.Error(t, err)

	_, err = buildMessagePayload(provider.ChatRequest{Messages: []models.Message{{Role: models.RoleAssistant, Content: "hi"}}})
	assert.Error(t, err)

	payload, err := buildMessagePayload(provider.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "one"},
			{Role: models.RoleUser, Content: "two"},
		},
		Settings: models.ExecutionSettings{MaxTokens: models.Int(64), FunctionChoice: models.NoFunctionChoice()},
		Tools:    []provider.ToolDefinition{{Name: "time-now"}},
	})
	require.NoError(t, err)
	require.Len(t, payload.Messages, 1)
	assert.Len(t, payload.Messages[0].Content, 2)
	assert.Equal(t, 64, payload.MaxTokens)
	assert.Len(t, payload.Tools, 1)
	require.NotNil(t, payload.ToolChoice)
	assert.Equal(t, "none", payload.ToolChoice.Type)
}

func TestBuildMessagePayloadNoneKeepsToolsForToolTurns(t *testing.T) {
	call := models.ToolCall{ID: "toolu_0", Name: "math-add", Arguments: `{"a":1,"b":2}`}
	payload, err := buildMessagePayload(provider.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "add 1 and 2"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
			{Role: models.RoleTool, ToolCallID: "toolu_0", Name: "math-add", Content: "3"},
		},
		Settings: models.ExecutionSettings{FunctionChoice: models.NoFunctionChoice()},
		Tools:    []provider.ToolDefinition{{Name: "math-add"}},
	})
	require.NoError(t, err)

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool_choice":{"type":"none"}`)
	require.Len(t, payload.Tools, 1)
	assert.Equal(t, "math-add", payload.Tools[0].Name)
	assert.Equal(t, "tool_use", payload.Messages[1].Content[0].Type)
	assert.Equal(t, "tool_result", payload.Messages[2].Content[0].Type)
}

func TestToUnifiedErrors(t *testing.T) {
	_, err := messageResponse{StopReason: "refusal"}.toUnified()
	assert.ErrorIs(t, err, provider.ErrBlocked)

	_, err = messageResponse{}.toUnified()
	assert.ErrorIs(t, err, provider.ErrNoChoices)

	_, err = messageResponse{Content: []contentBlock{{Type: "text"}}}.toUnified()
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
}

func TestChatRejectsAssistantOpening(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the API")
	}))
	defer srv.Close()

	p, err := New("anthropic", config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), provider.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []models.Message{{Role: models.RoleAssistant, Content: "hello"}},
	})
	assert.ErrorIs(t, err, models.ErrTurnOrder)
}

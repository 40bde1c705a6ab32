package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Assistant ")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, role)

	_, err = ParseRole("moderator")
	assert.True(t, errors.Is(err, ErrInvalidRole))
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "user text", msg: Message{Role: RoleUser, Content: "hi"}},
		{name: "empty user", msg: Message{Role: RoleUser, Content: "  "}, wantErr: true},
		{name: "assistant tool call only", msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "time-now"}}}},
		{name: "empty assistant", msg: Message{Role: RoleAssistant}, wantErr: true},
		{name: "tool without id", msg: Message{Role: RoleTool, Content: "42"}, wantErr: true},
		{name: "tool result", msg: Message{Role: RoleTool, Content: "", ToolCallID: "1"}},
		{name: "bad role", msg: Message{Role: "narrator", Content: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChatHistoryHelpers(t *testing.T) {
	h := NewChatHistory("be brief")
	h.AddUserMessage("hello")
	h.AddAssistantMessage("hi")

	require.Equal(t, 3, h.Len())
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "hi", last.Content)
	assert.Equal(t, "be brief", h.SystemPrompt())

	msgs := h.Messages()
	msgs[0].Content = "mutated"
	assert.Equal(t, "be brief", h.SystemPrompt(), "Messages must return a copy")

	clone := h.Clone()
	clone.AddUserMessage("again")
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 4, clone.Len())

	h.Truncate(1)
	assert.Equal(t, 1, h.Len())
}

func TestValidateTurnOrder(t *testing.T) {
	call := ToolCall{ID: "call-1", Name: "math-add", Arguments: `{"a":1,"b":2}`}

	valid := NewChatHistory("sys")
	valid.AddUserMessage("add 1 and 2")
	valid.Add(Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
	valid.AddToolResult(call, "3")
	valid.AddAssistantMessage("3")
	require.NoError(t, valid.ValidateTurnOrder(true))

	startsWithAssistant := HistoryFrom([]Message{{Role: RoleAssistant, Content: "hi"}})
	assert.ErrorIs(t, startsWithAssistant.ValidateTurnOrder(false), ErrTurnOrder)

	doubleUser := HistoryFrom([]Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleUser, Content: "two"},
	})
	assert.NoError(t, doubleUser.ValidateTurnOrder(false))
	assert.ErrorIs(t, doubleUser.ValidateTurnOrder(true), ErrTurnOrder)

	orphan := HistoryFrom([]Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleTool, Content: "3", ToolCallID: "nope"},
	})
	assert.ErrorIs(t, orphan.ValidateTurnOrder(false), ErrTurnOrder)

	unanswered := HistoryFrom([]Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
		{Role: RoleUser, Content: "two"},
	})
	assert.ErrorIs(t, unanswered.ValidateTurnOrder(false), ErrTurnOrder)
}

func TestExecutionSettingsMerge(t *testing.T) {
	base := ExecutionSettings{
		ModelID:       "gpt-4o",
		Temperature:   Float64(0.2),
		StopSequences: []string{"END"},
		Extra:         map[string]any{"user": "a"},
	}
	override := ExecutionSettings{
		MaxTokens:      Int(64),
		Temperature:    Float64(0.9),
		FunctionChoice: AutoFunctionChoice(),
		Extra:          map[string]any{"user": "b"},
	}

	merged := base.Merge(override)
	assert.Equal(t, "gpt-4o", merged.ModelID)
	assert.InDelta(t, 0.9, *merged.Temperature, 1e-9)
	assert.Equal(t, 64, *merged.MaxTokens)
	assert.Equal(t, []string{"END"}, merged.StopSequences)
	assert.True(t, merged.FunctionChoice.AutoInvoke)
	assert.Equal(t, "b", merged.Extra["user"])
	assert.Equal(t, "a", base.Extra["user"], "merge must not mutate the receiver")
}

func TestExecutionSettingsValidate(t *testing.T) {
	assert.NoError(t, ExecutionSettings{Temperature: Float64(1)}.Validate())
	assert.ErrorIs(t, ExecutionSettings{Temperature: Float64(3)}.Validate(), ErrInvalidSettings)
	assert.Error(t, ExecutionSettings{TopP: Float64(1.5)}.Validate())
	assert.Error(t, ExecutionSettings{MaxTokens: Int(0)}.Validate())
	assert.Error(t, ExecutionSettings{ResponseFormat: "xml"}.Validate())
	assert.Error(t, ExecutionSettings{FunctionChoice: FunctionChoiceBehavior{Mode: "sometimes"}}.Validate())
}

func TestFunctionChoiceAllows(t *testing.T) {
	all := AutoFunctionChoice()
	assert.True(t, all.Allows("time-now"))

	limited := AutoFunctionChoice("math-add")
	assert.True(t, limited.Allows("math-add"))
	assert.False(t, limited.Allows("time-now"))
	assert.False(t, NoFunctionChoice().Enabled())
}

func TestTruncateToTokenBudget(t *testing.T) {
	counter := TokenCounterFunc(func(m Message) int { return 10 })
	call := ToolCall{ID: "c1", Name: "time-now"}

	h := NewChatHistory("sys")
	h.AddUserMessage("q1")
	h.Add(Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
	h.AddToolResult(call, "noon")
	h.AddAssistantMessage("a1")
	h.AddUserMessage("q2")

	removed := TruncateToTokenBudget(h, 30, counter)
	assert.Equal(t, 4, removed)

	msgs := h.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "q2", msgs[1].Content)
	assert.NoError(t, h.ValidateTurnOrder(true))

	assert.Zero(t, TruncateToTokenBudget(h, 1000, counter))
}

func TestTruncateToTokenBudgetKeepsValidTurnOrder(t *testing.T) {
	counter := TokenCounterFunc(func(m Message) int { return 10 })
	c1 := ToolCall{ID: "c1", Name: "time-now"}
	c2 := ToolCall{ID: "c2", Name: "math-add"}

	tests := []struct {
		name        string
		messages    []Message
		budget      int
		wantRemoved int
		wantRoles   []Role
	}{
		{
			name: "reply left behind by its question",
			messages: []Message{
				{Role: RoleSystem, Content: "sys"},
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "q2"},
			},
			budget:      30,
			wantRemoved: 2,
			wantRoles:   []Role{RoleSystem, RoleUser},
		},
		{
			name: "tool round at the tail",
			messages: []Message{
				{Role: RoleSystem, Content: "sys"},
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, ToolCalls: []ToolCall{c1}},
				{Role: RoleTool, ToolCallID: "c1", Name: "time-now", Content: "noon"},
			},
			budget:      20,
			wantRemoved: 0,
			wantRoles:   []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool},
		},
		{
			name: "mid loop after an older exchange",
			messages: []Message{
				{Role: RoleSystem, Content: "sys"},
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, ToolCalls: []ToolCall{c1}},
				{Role: RoleTool, ToolCallID: "c1", Name: "time-now", Content: "noon"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "q2"},
				{Role: RoleAssistant, ToolCalls: []ToolCall{c2}},
				{Role: RoleTool, ToolCallID: "c2", Name: "math-add", Content: "3"},
			},
			budget:      40,
			wantRemoved: 4,
			wantRoles:   []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool},
		},
		{
			name: "budget met after dropping a tool round",
			messages: []Message{
				{Role: RoleSystem, Content: "sys"},
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, ToolCalls: []ToolCall{c1}},
				{Role: RoleTool, ToolCallID: "c1", Name: "time-now", Content: "noon"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "q2"},
				{Role: RoleAssistant, Content: "a2"},
				{Role: RoleUser, Content: "q3"},
			},
			budget:      50,
			wantRemoved: 4,
			wantRoles:   []Role{RoleSystem, RoleUser, RoleAssistant, RoleUser},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HistoryFrom(tt.messages)
			require.NoError(t, h.ValidateTurnOrder(true))

			assert.Equal(t, tt.wantRemoved, TruncateToTokenBudget(h, tt.budget, counter))

			var roles []Role
			for _, m := range h.Messages() {
				roles = append(roles, m.Role)
			}
			assert.Equal(t, tt.wantRoles, roles)
			assert.NoError(t, h.ValidateTurnOrder(true))
		})
	}
}

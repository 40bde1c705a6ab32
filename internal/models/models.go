package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRole indicates a message role outside the fixed enumeration.
var ErrInvalidRole = errors.New("invalid role")

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole normalises a role string and rejects unknown values.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
)

// ToolCall is a model-issued request to run a named function locally.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    Role
	Content string
	// Name is the participant name, or the function name on tool results.
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
	ModelID    string
	Metadata   map[string]any
}

// HasToolCalls reports whether the message requests function invocations.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Validate checks the role and the fields that role requires.
func (m Message) Validate() error {
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	switch m.Role {
	case RoleTool:
		if strings.TrimSpace(m.ToolCallID) == "" {
			return errors.New("tool message requires a tool call id")
		}
	case RoleAssistant:
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
			return errors.New("assistant message requires content or tool calls")
		}
	default:
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%s message content must not be empty", m.Role)
		}
	}
	return nil
}

// ChatResponse captures a provider response in the unified schema.
type ChatResponse struct {
	Message      Message
	Usage        Usage
	FinishReason FinishReason
	ID           string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates usage across the requests of one auto-invoke loop.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	APIStyle string
}

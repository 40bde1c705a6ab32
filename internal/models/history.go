package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTurnOrder indicates a history that a strict-order provider would reject.
var ErrTurnOrder = errors.New("invalid turn order")

// ChatHistory is an ordered sequence of messages exchanged with a model.
// It is a plain value owned by the caller and is not safe for concurrent use.
type ChatHistory struct {
	messages []Message
}

// NewChatHistory starts a history, optionally seeded with a system prompt.
func NewChatHistory(systemPrompt string) *ChatHistory {
	h := &ChatHistory{messages: make([]Message, 0, 8)}
	if strings.TrimSpace(systemPrompt) != "" {
		h.AddSystemMessage(systemPrompt)
	}
	return h
}

// HistoryFrom wraps existing messages. The slice is copied.
func HistoryFrom(messages []Message) *ChatHistory {
	h := &ChatHistory{messages: make([]Message, len(messages))}
	copy(h.messages, messages)
	return h
}

func (h *ChatHistory) Add(msg Message) {
	h.messages = append(h.messages, msg)
}

func (h *ChatHistory) AddSystemMessage(content string) {
	h.Add(Message{Role: RoleSystem, Content: content})
}

func (h *ChatHistory) AddUserMessage(content string) {
	h.Add(Message{Role: RoleUser, Content: content})
}

func (h *ChatHistory) AddAssistantMessage(content string) {
	h.Add(Message{Role: RoleAssistant, Content: content})
}

// AddToolResult appends the result of a function invocation for the given call.
func (h *ChatHistory) AddToolResult(call ToolCall, result string) {
	h.Add(Message{
		Role:       RoleTool,
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	})
}

func (h *ChatHistory) Len() int {
	return len(h.messages)
}

// Last returns the most recent message, if any.
func (h *ChatHistory) Last() (Message, bool) {
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// Messages returns a copy of the underlying messages.
func (h *ChatHistory) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *ChatHistory) Clone() *ChatHistory {
	return HistoryFrom(h.messages)
}

// Truncate drops every message from index n onwards.
func (h *ChatHistory) Truncate(n int) {
	if n < 0 || n >= len(h.messages) {
		return
	}
	h.messages = h.messages[:n]
}

// SystemPrompt joins all system messages in order.
func (h *ChatHistory) SystemPrompt() string {
	var parts []string
	for _, msg := range h.messages {
		if msg.Role == RoleSystem && strings.TrimSpace(msg.Content) != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ValidateTurnOrder checks the conversation shape providers expect. The first
// non-system message must come from the user; tool results must follow an
// assistant message carrying the matching tool call. With strict set, user and
// assistant turns must alternate as well.
func (h *ChatHistory) ValidateTurnOrder(strict bool) error {
	var (
		prev        Role
		pendingCall = map[string]struct{}{}
		seen        bool
	)

	for i, msg := range h.messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
		if msg.Role == RoleSystem {
			continue
		}
		if !seen {
			if msg.Role != RoleUser {
				return fmt.Errorf("%w: conversation must start with a user message, got %s", ErrTurnOrder, msg.Role)
			}
			seen = true
			prev = msg.Role
			continue
		}

		switch msg.Role {
		case RoleTool:
			if _, ok := pendingCall[msg.ToolCallID]; !ok {
				return fmt.Errorf("%w: message[%d] answers unknown tool call %q", ErrTurnOrder, i, msg.ToolCallID)
			}
			delete(pendingCall, msg.ToolCallID)
		case RoleAssistant:
			if len(pendingCall) > 0 {
				return fmt.Errorf("%w: message[%d] follows unanswered tool calls", ErrTurnOrder, i)
			}
			if strict && prev == RoleAssistant {
				return fmt.Errorf("%w: message[%d] repeats the assistant turn", ErrTurnOrder, i)
			}
			for _, call := range msg.ToolCalls {
				pendingCall[call.ID] = struct{}{}
			}
		case RoleUser:
			if len(pendingCall) > 0 {
				return fmt.Errorf("%w: message[%d] follows unanswered tool calls", ErrTurnOrder, i)
			}
			if strict && prev == RoleUser {
				return fmt.Errorf("%w: message[%d] repeats the user turn", ErrTurnOrder, i)
			}
		}
		prev = msg.Role
	}
	return nil
}

package models

// TokenCounter counts the tokens of a message as a provider would bill them.
type TokenCounter interface {
	CountMessage(msg Message) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(Message) int

func (f TokenCounterFunc) CountMessage(msg Message) int { return f(msg) }

// TruncateToTokenBudget drops the oldest non-system turns until the history
// fits the budget. An assistant message and the tool results answering it
// form one turn. The last user message and everything after it are always
// kept, and the remaining conversation opens with a user message whenever
// the history has one. It returns the number of messages removed.
func TruncateToTokenBudget(h *ChatHistory, budget int, counter TokenCounter) int {
	if budget <= 0 || counter == nil || h.Len() == 0 {
		return 0
	}

	total := 0
	for _, msg := range h.messages {
		total += counter.CountMessage(msg)
	}
	if total <= budget {
		return 0
	}

	protect, hasUser := protectedTail(h.messages)
	drop := make([]bool, len(h.messages))
	removed := 0
	for i := 0; i < protect; {
		msg := h.messages[i]
		if msg.Role == RoleSystem {
			i++
			continue
		}
		if total <= budget && (msg.Role == RoleUser || !hasUser) {
			break
		}

		end := i + 1
		for end < protect && h.messages[end].Role == RoleTool {
			end++
		}
		for j := i; j < end; j++ {
			drop[j] = true
			total -= counter.CountMessage(h.messages[j])
			removed++
		}
		i = end
	}
	if removed == 0 {
		return 0
	}

	kept := make([]Message, 0, len(h.messages)-removed)
	for i, msg := range h.messages {
		if !drop[i] {
			kept = append(kept, msg)
		}
	}
	h.messages = kept
	return removed
}

// protectedTail returns the index from which messages must be kept: the last
// user message, or the start of the last turn when there is none.
func protectedTail(messages []Message) (int, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i, true
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if role := messages[i].Role; role != RoleSystem && role != RoleTool {
			return i, false
		}
	}
	return len(messages), false
}

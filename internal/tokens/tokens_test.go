package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"gokernel/internal/models"
)

func wordCounter() *Counter {
	return NewFunc(func(s string) int { return len(strings.Fields(s)) })
}

func TestCountMessage(t *testing.T) {
	c := wordCounter()

	tests := []struct {
		name string
		msg  models.Message
		want int
	}{
		{name: "user", msg: models.Message{Role: models.RoleUser, Content: "hello there"}, want: 4 + 1 + 2},
		{name: "empty content", msg: models.Message{Role: models.RoleAssistant}, want: 4 + 1},
		{
			name: "tool calls",
			msg: models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "1", Name: "math-add", Arguments: `{"a": 1, "b": 2}`},
			}},
			want: 4 + 1 + 3 + 1 + 4,
		},
		{name: "tool result", msg: models.Message{Role: models.RoleTool, Name: "math-add", Content: "3"}, want: 4 + 1 + 1 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.CountMessage(tt.msg))
		})
	}
}

func TestCountMessagesDrivesTruncation(t *testing.T) {
	c := wordCounter()
	h := models.NewChatHistory("be brief")
	h.AddUserMessage("one two three four five six")
	h.AddAssistantMessage("ok")
	h.AddUserMessage("last question")

	assert.Equal(t, 3+c.CountMessage(models.Message{Role: models.RoleSystem, Content: "be brief"})+
		c.CountMessage(models.Message{Role: models.RoleUser, Content: "one two three four five six"})+
		c.CountMessage(models.Message{Role: models.RoleAssistant, Content: "ok"})+
		c.CountMessage(models.Message{Role: models.RoleUser, Content: "last question"}), c.CountMessages(h.Messages()))

	removed := models.TruncateToTokenBudget(h, 16, c)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, h.Len())
}

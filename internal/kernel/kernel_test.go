package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gokernel/internal/models"
	"gokernel/internal/provider"
)

type scriptedProvider struct {
	mu       sync.Mutex
	requests []provider.ChatRequest
	respond  func(req provider.ChatRequest, n int) (*models.ChatResponse, error)
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) ListModels(ctx context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "test-model", Provider: "scripted"}}, nil
}

func (s *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest) (*models.ChatResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.respond(req, n)
}

func text(content string) *models.ChatResponse {
	return &models.ChatResponse{
		Message:      models.Message{Role: models.RoleAssistant, Content: content},
		FinishReason: models.FinishReasonStop,
		Usage:        models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
}

func toolCalls(calls ...models.ToolCall) *models.ChatResponse {
	return &models.ChatResponse{
		Message:      models.Message{Role: models.RoleAssistant, ToolCalls: calls},
		FinishReason: models.FinishReasonToolCalls,
		Usage:        models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func mathPlugin(t *testing.T, calls *int) *Plugin {
	t.Helper()
	add, err := NewFunction("add", "Adds two integers", func(ctx context.Context, args addArgs) (any, error) {
		if calls != nil {
			*calls++
		}
		return args.A + args.B, nil
	})
	require.NoError(t, err)
	fail, err := NewRawFunction("fail", "Always fails", nil, func(ctx context.Context, args Arguments) (any, error) {
		return nil, errors.New("disk on fire")
	})
	require.NoError(t, err)
	p, err := NewPlugin("math", "Arithmetic", add, fail)
	require.NoError(t, err)
	return p
}

func newTestKernel(t *testing.T, p provider.Provider, opts ...Option) *Kernel {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.RegisterProvider(context.Background(), p, map[string]string{"alias": "test-model"}))
	k, err := New(reg, append([]Option{WithDefaultModel("test-model")}, opts...)...)
	require.NoError(t, err)
	return k
}

func TestGetChatMessageContentWithoutTools(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		assert.Empty(t, req.Tools)
		return text("hello there"), nil
	}}
	k := newTestKernel(t, sp)
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("be nice")
	history.AddUserMessage("hi")

	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Equal(t, "test-model", resp.Message.ModelID)
	assert.Equal(t, 3, history.Len())
}

func TestAutoInvokeLoop(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		if n == 1 {
			require.Len(t, req.Tools, 2)
			assert.Equal(t, "math-add", req.Tools[0].Name)
			return toolCalls(models.ToolCall{ID: "c1", Name: "math-add", Arguments: `{"a":2,"b":3}`}), nil
		}
		last := req.Messages[len(req.Messages)-1]
		require.Equal(t, models.RoleTool, last.Role)
		return text("the answer is " + last.Content), nil
	}}
	k := newTestKernel(t, sp)
	invocations := 0
	require.NoError(t, k.AddPlugin(mathPlugin(t, &invocations)))

	history := models.NewChatHistory("")
	history.AddUserMessage("what is 2+3?")

	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{
		ModelID:        "alias",
		FunctionChoice: models.AutoFunctionChoice(),
	})
	require.NoError(t, err)

	assert.Equal(t, "the answer is 5", resp.Message.Content)
	assert.Equal(t, 1, invocations)
	assert.Equal(t, 4, resp.Usage.TotalTokens, "usage accumulates across requests")

	msgs := history.Messages()
	require.Len(t, msgs, 4)
	assert.True(t, msgs[1].HasToolCalls())
	assert.Equal(t, models.RoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "math-add", msgs[2].Name)
	require.NoError(t, history.ValidateTurnOrder(true))
}

func TestAutoInvokeStopsAtMaximumAttempts(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		if n == 4 {
			assert.Equal(t, models.FunctionChoiceNone, req.Settings.FunctionChoice.Mode)
			assert.Len(t, req.Tools, 2, "tools stay declared alongside earlier tool turns")
			return text("giving up on tools"), nil
		}
		return toolCalls(models.ToolCall{ID: fmt.Sprintf("c%d", n), Name: "math-add", Arguments: `{"a":1,"b":1}`}), nil
	}}
	k := newTestKernel(t, sp, WithMaxAutoInvokeAttempts(10))
	invocations := 0
	require.NoError(t, k.AddPlugin(mathPlugin(t, &invocations)))

	history := models.NewChatHistory("")
	history.AddUserMessage("loop forever")

	choice := models.AutoFunctionChoice()
	choice.MaximumAutoInvokeAttempts = 3
	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: choice})
	require.NoError(t, err)

	assert.Equal(t, "giving up on tools", resp.Message.Content)
	assert.Len(t, sp.requests, 4)
	assert.Equal(t, 3, invocations)
}

func TestFunctionErrorsBecomeToolResults(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		if n == 1 {
			return toolCalls(
				models.ToolCall{ID: "a", Name: "math-fail"},
				models.ToolCall{ID: "b", Name: "math-missing"},
				models.ToolCall{ID: "c", Name: "math-add", Arguments: `{"a":"two"}`},
			), nil
		}
		return text("done"), nil
	}}
	k := newTestKernel(t, sp)
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("")
	history.AddUserMessage("break things")
	_, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)

	msgs := history.Messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "Error: disk on fire", msgs[2].Content)
	assert.Contains(t, msgs[3].Content, "not available")
	assert.True(t, strings.HasPrefix(msgs[4].Content, "Error: invalid function arguments"), msgs[4].Content)
}

func TestAllowListHidesFunctions(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		if n == 1 {
			require.Len(t, req.Tools, 1)
			return toolCalls(models.ToolCall{ID: "x", Name: "math-fail"}), nil
		}
		return text("ok"), nil
	}}
	k := newTestKernel(t, sp)
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("")
	history.AddUserMessage("hi")
	_, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice("math-add")})
	require.NoError(t, err)

	msgs := history.Messages()
	assert.Contains(t, msgs[2].Content, "not available", "functions outside the allow-list must not run")
}

func TestManualToolCallsAreReturned(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		return toolCalls(models.ToolCall{ID: "m", Name: "math-add", Arguments: `{"a":1,"b":2}`}), nil
	}}
	k := newTestKernel(t, sp)
	invocations := 0
	require.NoError(t, k.AddPlugin(mathPlugin(t, &invocations)))

	history := models.NewChatHistory("")
	history.AddUserMessage("hi")
	choice := models.AutoFunctionChoice()
	choice.AutoInvoke = false

	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: choice})
	require.NoError(t, err)
	assert.True(t, resp.Message.HasToolCalls())
	assert.Zero(t, invocations)
	assert.Len(t, sp.requests, 1)
}

func TestRequiredModeRelaxesAfterFirstRequest(t *testing.T) {
	var modes []models.FunctionChoiceMode
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		modes = append(modes, req.Settings.FunctionChoice.Mode)
		if n == 1 {
			return toolCalls(models.ToolCall{ID: "r", Name: "math-add", Arguments: `{"a":1,"b":2}`}), nil
		}
		return text("3"), nil
	}}
	k := newTestKernel(t, sp)
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("")
	history.AddUserMessage("add")
	choice := models.AutoFunctionChoice()
	choice.Mode = models.FunctionChoiceRequired
	_, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: choice})
	require.NoError(t, err)
	assert.Equal(t, []models.FunctionChoiceMode{models.FunctionChoiceRequired, models.FunctionChoiceAuto}, modes)
}

func TestConcurrentInvocationKeepsCallOrder(t *testing.T) {
	slow, err := NewRawFunction("slow", "", nil, func(ctx context.Context, args Arguments) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "slow", nil
	})
	require.NoError(t, err)
	fast, err := NewRawFunction("fast", "", nil, func(ctx context.Context, args Arguments) (any, error) {
		return "fast", nil
	})
	require.NoError(t, err)
	p, err := NewPlugin("speed", "", slow, fast)
	require.NoError(t, err)

	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		if n == 1 {
			return toolCalls(models.ToolCall{ID: "1", Name: "speed-slow"}, models.ToolCall{ID: "2", Name: "speed-fast"}), nil
		}
		return text("done"), nil
	}}
	k := newTestKernel(t, sp, WithConcurrentInvocation(true))
	require.NoError(t, k.AddPlugin(p))

	history := models.NewChatHistory("")
	history.AddUserMessage("go")
	_, err = k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)

	msgs := history.Messages()
	assert.Equal(t, "slow", msgs[2].Content)
	assert.Equal(t, "fast", msgs[3].Content)
}

func TestFilterCanTerminateAndRewrite(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		return toolCalls(models.ToolCall{ID: "t", Name: "math-add", Arguments: `{"a":1,"b":2}`}), nil
	}}
	var seen []string
	filter := func(ctx context.Context, fc *AutoInvokeContext, next func(context.Context) error) error {
		seen = append(seen, fc.Call.Name)
		if err := next(ctx); err != nil {
			return err
		}
		fc.Result = "filtered:" + fc.Result
		fc.Terminate = true
		return nil
	}
	k := newTestKernel(t, sp, WithAutoInvokeFilter(filter))
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("")
	history.AddUserMessage("add")
	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)

	assert.Equal(t, []string{"math-add"}, seen)
	assert.Equal(t, models.RoleTool, resp.Message.Role)
	assert.Equal(t, "filtered:3", resp.Message.Content)
	assert.Len(t, sp.requests, 1)
}

func TestTerminatedSequentialCallsAnswerSkippedCalls(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		return toolCalls(
			models.ToolCall{ID: "first", Name: "math-add", Arguments: `{"a":1,"b":2}`},
			models.ToolCall{ID: "second", Name: "math-add", Arguments: `{"a":3,"b":4}`},
		), nil
	}}
	filter := func(ctx context.Context, fc *AutoInvokeContext, next func(context.Context) error) error {
		if err := next(ctx); err != nil {
			return err
		}
		fc.Terminate = true
		return nil
	}
	k := newTestKernel(t, sp, WithAutoInvokeFilter(filter))
	invocations := 0
	require.NoError(t, k.AddPlugin(mathPlugin(t, &invocations)))

	history := models.NewChatHistory("")
	history.AddUserMessage("add twice")
	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)

	assert.Equal(t, 1, invocations)
	assert.Equal(t, "3", resp.Message.Content)
	assert.Equal(t, "first", resp.Message.ToolCallID)

	msgs := history.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "second", msgs[3].ToolCallID)
	assert.Equal(t, skippedResult, msgs[3].Content)
	assert.NoError(t, history.ValidateTurnOrder(true))
}

func TestInflightLimitDisablesAutoInvoke(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		return toolCalls(models.ToolCall{ID: "n", Name: "math-add", Arguments: `{"a":1,"b":2}`}), nil
	}}
	k := newTestKernel(t, sp, WithMaxInflightAutoInvokes(1))
	invocations := 0
	require.NoError(t, k.AddPlugin(mathPlugin(t, &invocations)))

	inflightAutoInvokes.Add(1)
	defer inflightAutoInvokes.Add(-1)

	history := models.NewChatHistory("")
	history.AddUserMessage("add")
	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)
	assert.True(t, resp.Message.HasToolCalls())
	assert.Zero(t, invocations)
}

func TestProviderErrorsPropagate(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		return nil, provider.ErrBlocked
	}}
	k := newTestKernel(t, sp)

	_, err := k.InvokePrompt(context.Background(), "hi", models.ExecutionSettings{})
	assert.ErrorIs(t, err, provider.ErrBlocked)

	_, err = k.InvokePrompt(context.Background(), "hi", models.ExecutionSettings{ModelID: "nope"})
	assert.ErrorIs(t, err, provider.ErrUnknownModel)

	_, err = k.InvokePrompt(context.Background(), "hi", models.ExecutionSettings{ServiceID: "other"})
	assert.ErrorIs(t, err, provider.ErrUnknownModel)
}

func TestHistoryTokenBudgetTrimsOutgoingOnly(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		assert.Len(t, req.Messages, 2)
		return text("ok"), nil
	}}
	counter := models.TokenCounterFunc(func(models.Message) int { return 10 })
	k := newTestKernel(t, sp, WithHistoryTokenBudget(20, counter))

	history := models.NewChatHistory("sys")
	history.AddUserMessage("old")
	history.AddAssistantMessage("old answer")
	history.AddUserMessage("new")

	_, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{})
	require.NoError(t, err)
	assert.Equal(t, 5, history.Len())
}

func TestHistoryTokenBudgetDuringToolRounds(t *testing.T) {
	sp := &scriptedProvider{respond: func(req provider.ChatRequest, n int) (*models.ChatResponse, error) {
		require.NoError(t, models.HistoryFrom(req.Messages).ValidateTurnOrder(true))
		if n == 1 {
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "q2", req.Messages[1].Content)
			return toolCalls(models.ToolCall{ID: "c1", Name: "math-add", Arguments: `{"a":2,"b":3}`}), nil
		}
		require.Len(t, req.Messages, 4)
		assert.Equal(t, "q2", req.Messages[1].Content)
		assert.Equal(t, "c1", req.Messages[3].ToolCallID)
		return text("5"), nil
	}}
	counter := models.TokenCounterFunc(func(models.Message) int { return 10 })
	k := newTestKernel(t, sp, WithHistoryTokenBudget(30, counter))
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))

	history := models.NewChatHistory("sys")
	history.AddUserMessage("q1")
	history.AddAssistantMessage("a1")
	history.AddUserMessage("q2")

	resp, err := k.GetChatMessageContent(context.Background(), history, models.ExecutionSettings{FunctionChoice: models.AutoFunctionChoice()})
	require.NoError(t, err)
	assert.Equal(t, "5", resp.Message.Content)
	assert.Len(t, sp.requests, 2)
	assert.Equal(t, 7, history.Len())
}

func TestNewPluginLimitsQualifiedNameLength(t *testing.T) {
	noop := func(ctx context.Context, args Arguments) (any, error) { return nil, nil }
	long32 := strings.Repeat("f", 32)
	long31 := strings.Repeat("f", 31)

	f, err := NewRawFunction(long32, "", nil, noop)
	require.NoError(t, err)
	_, err = NewPlugin(strings.Repeat("p", 32), "", f)
	assert.ErrorContains(t, err, "limit is 64")

	f, err = NewRawFunction(long31, "", nil, noop)
	require.NoError(t, err)
	p, err := NewPlugin(strings.Repeat("p", 32), "", f)
	require.NoError(t, err)
	assert.Len(t, p.Functions()[0].FullyQualifiedName(), MaxQualifiedNameLength)
}

func TestInvokeFunctionDirectly(t *testing.T) {
	k := newTestKernel(t, &scriptedProvider{})
	require.NoError(t, k.AddPlugin(mathPlugin(t, nil)))
	assert.Error(t, k.AddPlugin(mathPlugin(t, nil)))

	out, err := k.InvokeFunction(context.Background(), "math-add", `{"a":20,"b":22}`)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = k.InvokeFunction(context.Background(), "add", `{}`)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestEmptyHistoryIsRejected(t *testing.T) {
	k := newTestKernel(t, &scriptedProvider{})
	_, err := k.GetChatMessageContent(context.Background(), models.NewChatHistory(""), models.ExecutionSettings{})
	assert.Error(t, err)
}

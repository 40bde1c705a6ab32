package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gokernel/internal/models"
	"gokernel/internal/provider"
)

// inflightAutoInvokes counts auto-invoke loops across the process, including
// loops started from inside an invoked function.
var inflightAutoInvokes atomic.Int64

// AutoInvokeContext describes one function invocation inside the loop.
type AutoInvokeContext struct {
	Call models.ToolCall
	// Function is nil when the model asked for an unknown function.
	Function *Function
	History  *models.ChatHistory

	RequestSequenceIndex  int
	FunctionSequenceIndex int
	FunctionCount         int

	// Result is the tool message content. Filters may rewrite it.
	Result string
	// Terminate stops the loop after the current batch of invocations.
	Terminate bool
}

// AutoInvokeFilter wraps a single function invocation. Calling next runs the
// remaining filters and the function itself; not calling it skips the
// function, leaving fc.Result as the tool result.
type AutoInvokeFilter func(ctx context.Context, fc *AutoInvokeContext, next func(context.Context) error) error

// GetChatMessageContent sends the history to the model selected by settings
// and, when the function choice asks for it, invokes requested functions and
// re-sends until the model answers without tool calls. Every message produced
// along the way, including tool calls and their results, is appended to
// history. Usage is accumulated over all requests.
func (k *Kernel) GetChatMessageContent(ctx context.Context, history *models.ChatHistory, settings models.ExecutionSettings) (*models.ChatResponse, error) {
	if history == nil || history.Len() == 0 {
		return nil, fmt.Errorf("chat history must contain at least one message")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	model, p, err := k.resolve(settings)
	if err != nil {
		return nil, err
	}

	choice := settings.FunctionChoice
	maxAttempts := choice.MaximumAutoInvokeAttempts
	if maxAttempts <= 0 {
		maxAttempts = k.maxAutoInvoke
	}
	if !choice.AllowConcurrentInvocation && k.allowConcurrent {
		choice.AllowConcurrentInvocation = true
	}

	inflight := inflightAutoInvokes.Add(1)
	defer func() {
		k.recorder.SetInflight(inflightAutoInvokes.Add(-1))
	}()
	k.recorder.SetInflight(inflight)

	autoInvoke := choice.AutoInvoke && choice.Enabled()
	if autoInvoke && inflight > k.maxInflight {
		k.logger.Warn("auto invoke disabled, too many loops in flight", "inflight", inflight, "limit", k.maxInflight)
		autoInvoke = false
	}

	var tools []provider.ToolDefinition
	if choice.Enabled() {
		for _, f := range k.Functions(choice) {
			tools = append(tools, f.Definition())
		}
	}

	var usage models.Usage
	for attempt := 0; ; attempt++ {
		reqSettings := settings
		reqSettings.ModelID = model.ID
		reqSettings.FunctionChoice = choice
		reqTools := tools

		if attempt > 0 && choice.Mode == models.FunctionChoiceRequired {
			// Requiring a call on every round would never terminate.
			reqSettings.FunctionChoice.Mode = models.FunctionChoiceAuto
		}
		if attempt >= maxAttempts {
			// Tools stay declared so the tool turns already in history remain valid.
			reqSettings.FunctionChoice = models.NoFunctionChoice()
		}
		if len(reqTools) == 0 && reqSettings.FunctionChoice.Enabled() {
			reqSettings.FunctionChoice.Mode = models.FunctionChoiceNone
		}

		resp, err := k.chat(ctx, p, provider.ChatRequest{
			Model:    model.ID,
			Messages: k.outgoing(history),
			Settings: reqSettings,
			Tools:    reqTools,
		})
		if err != nil {
			return nil, err
		}

		usage = usage.Add(resp.Usage)
		resp.Usage = usage
		resp.Message.ModelID = model.ID
		history.Add(resp.Message)

		if !autoInvoke || len(reqTools) == 0 || !reqSettings.FunctionChoice.Enabled() || !resp.Message.HasToolCalls() {
			return resp, nil
		}

		stopAt, terminate, err := k.invokeToolCalls(ctx, history, resp.Message.ToolCalls, reqSettings.FunctionChoice, attempt)
		if err != nil {
			return nil, err
		}
		if terminate {
			resp.Message = stopAt
			return resp, nil
		}
	}
}

func (k *Kernel) chat(ctx context.Context, p provider.Provider, req provider.ChatRequest) (*models.ChatResponse, error) {
	start := time.Now()
	resp, err := p.Chat(ctx, req)
	k.recorder.ObserveChat(p.Name(), err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("provider %s chat request: %w", p.Name(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("provider %s chat request: %w", p.Name(), provider.ErrEmptyResponse)
	}
	k.logger.Debug("chat response",
		"provider", p.Name(),
		"model", req.Model,
		"finish_reason", resp.FinishReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// outgoing returns the messages to send, trimmed to the token budget.
func (k *Kernel) outgoing(history *models.ChatHistory) []models.Message {
	if k.historyTokenBudget <= 0 || k.tokenCounter == nil {
		return history.Messages()
	}
	trimmed := history.Clone()
	if n := models.TruncateToTokenBudget(trimmed, k.historyTokenBudget, k.tokenCounter); n > 0 {
		k.logger.Debug("trimmed chat history", "removed", n, "budget", k.historyTokenBudget)
	}
	return trimmed.Messages()
}

// skippedResult answers calls left unrun after a filter terminated the loop.
const skippedResult = "Skipped: invocation was terminated before this function ran."

// invokeToolCalls runs every call of one response and appends the results to
// history in call order. When a filter asks to terminate it returns the tool
// result message of the first terminating call.
func (k *Kernel) invokeToolCalls(ctx context.Context, history *models.ChatHistory, calls []models.ToolCall, choice models.FunctionChoiceBehavior, requestIndex int) (models.Message, bool, error) {
	contexts := make([]*AutoInvokeContext, len(calls))
	for i, call := range calls {
		fc := &AutoInvokeContext{
			Call:                  call,
			History:               history,
			RequestSequenceIndex:  requestIndex,
			FunctionSequenceIndex: i,
			FunctionCount:         len(calls),
		}
		if choice.Allows(call.Name) {
			if f, err := k.LookupFunction(call.Name); err == nil {
				fc.Function = f
			}
		}
		contexts[i] = fc
	}

	if choice.AllowConcurrentInvocation && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, fc := range contexts {
			g.Go(func() error {
				return k.invokeOne(gctx, fc)
			})
		}
		if err := g.Wait(); err != nil {
			return models.Message{}, false, err
		}
	} else {
		for i, fc := range contexts {
			if err := k.invokeOne(ctx, fc); err != nil {
				return models.Message{}, false, err
			}
			if fc.Terminate {
				// Every call still needs an answer for the history to stay valid.
				for _, rest := range contexts[i+1:] {
					rest.Result = skippedResult
				}
				break
			}
		}
	}

	var (
		stopAt    models.Message
		terminate bool
	)
	for _, fc := range contexts {
		history.AddToolResult(fc.Call, fc.Result)
		if fc.Terminate && !terminate {
			stopAt, _ = history.Last()
			terminate = true
		}
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, false, err
	}
	return stopAt, terminate, nil
}

// invokeOne runs the filter chain around a single function. Function errors
// become the tool result so the model can react to them; only filter errors
// and cancellation abort the loop.
func (k *Kernel) invokeOne(ctx context.Context, fc *AutoInvokeContext) error {
	var call func(context.Context) error
	call = func(ctx context.Context) error {
		if fc.Function == nil {
			fc.Result = fmt.Sprintf("Error: function %q is not available", fc.Call.Name)
			k.recorder.ObserveFunction(fc.Call.Name, ErrUnknownFunction)
			return nil
		}

		result, err := fc.Function.Invoke(ctx, fc.Call.Arguments)
		k.recorder.ObserveFunction(fc.Call.Name, err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			k.logger.Warn("function invocation failed", "function", fc.Call.Name, "error", err)
			fc.Result = "Error: " + err.Error()
			return nil
		}

		text, err := FormatResult(result)
		if err != nil {
			fc.Result = "Error: " + err.Error()
			return nil
		}
		fc.Result = text
		return nil
	}

	for i := len(k.filters) - 1; i >= 0; i-- {
		filter, next := k.filters[i], call
		call = func(ctx context.Context) error {
			return filter(ctx, fc, next)
		}
	}
	return call(ctx)
}

// Package kernel composes chat providers with locally invocable functions and
// runs the bounded auto-invoke loop for tool calling.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gokernel/internal/metrics"
	"gokernel/internal/models"
	"gokernel/internal/provider"
)

const (
	DefaultMaxAutoInvokeAttempts  = 5
	DefaultMaxInflightAutoInvokes = 128
)

// ErrUnknownFunction indicates a call to a function that is not registered.
var ErrUnknownFunction = errors.New("unknown function")

// Kernel holds the chat services and plugins available to a request.
type Kernel struct {
	registry *provider.Registry

	mu      sync.RWMutex
	plugins map[string]*Plugin

	defaultModel       string
	maxAutoInvoke      int
	maxInflight        int64
	allowConcurrent    bool
	historyTokenBudget int
	tokenCounter       models.TokenCounter
	filters            []AutoInvokeFilter
	recorder           *metrics.Recorder
	logger             *slog.Logger
}

// Option configures a Kernel.
type Option func(*Kernel)

func WithDefaultModel(model string) Option {
	return func(k *Kernel) { k.defaultModel = model }
}

// WithMaxAutoInvokeAttempts sets the default iteration cap of the loop.
func WithMaxAutoInvokeAttempts(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.maxAutoInvoke = n
		}
	}
}

// WithMaxInflightAutoInvokes sets the process-wide fail-safe above which
// auto-invoke is disabled for new requests.
func WithMaxInflightAutoInvokes(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.maxInflight = int64(n)
		}
	}
}

// WithConcurrentInvocation lets requests without an explicit setting run
// the tool calls of one response concurrently.
func WithConcurrentInvocation(allow bool) Option {
	return func(k *Kernel) { k.allowConcurrent = allow }
}

// WithHistoryTokenBudget trims the oldest turns of each outgoing request to
// fit budget tokens as measured by counter.
func WithHistoryTokenBudget(budget int, counter models.TokenCounter) Option {
	return func(k *Kernel) {
		k.historyTokenBudget = budget
		k.tokenCounter = counter
	}
}

func WithAutoInvokeFilter(filter AutoInvokeFilter) Option {
	return func(k *Kernel) {
		if filter != nil {
			k.filters = append(k.filters, filter)
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(k *Kernel) { k.recorder = recorder }
}

func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// New constructs a kernel backed by the provided registry.
func New(registry *provider.Registry, opts ...Option) (*Kernel, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	k := &Kernel{
		registry:      registry,
		plugins:       make(map[string]*Plugin),
		maxAutoInvoke: DefaultMaxAutoInvokeAttempts,
		maxInflight:   DefaultMaxInflightAutoInvokes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Registry exposes the chat service registry.
func (k *Kernel) Registry() *provider.Registry {
	return k.registry
}

// DefaultModel is the model used when settings leave ModelID empty.
func (k *Kernel) DefaultModel() string {
	return k.defaultModel
}

// AddPlugin registers a plugin. Plugin names are unique per kernel.
func (k *Kernel) AddPlugin(p *Plugin) error {
	if p == nil {
		return errors.New("plugin must not be nil")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	k.plugins[p.Name] = p
	return nil
}

// Plugins returns the registered plugins sorted by name.
func (k *Kernel) Plugins() []*Plugin {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*Plugin, 0, len(k.plugins))
	for _, p := range k.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Functions lists every function passing the choice allow-list, in a stable order.
func (k *Kernel) Functions(choice models.FunctionChoiceBehavior) []*Function {
	var out []*Function
	for _, p := range k.Plugins() {
		for _, f := range p.Functions() {
			if choice.Allows(f.FullyQualifiedName()) {
				out = append(out, f)
			}
		}
	}
	return out
}

// LookupFunction resolves a fully qualified function name.
func (k *Kernel) LookupFunction(fqn string) (*Function, error) {
	pluginName, funcName, ok := strings.Cut(fqn, NameSeparator)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, fqn)
	}
	k.mu.RLock()
	p, exists := k.plugins[pluginName]
	k.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, fqn)
	}
	f, exists := p.Function(funcName)
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, fqn)
	}
	return f, nil
}

// InvokeFunction runs a registered function with raw JSON arguments.
func (k *Kernel) InvokeFunction(ctx context.Context, fqn, rawArgs string) (any, error) {
	f, err := k.LookupFunction(fqn)
	if err != nil {
		return nil, err
	}
	return f.Invoke(ctx, rawArgs)
}

// InvokePrompt sends a single user prompt and returns the assistant text.
func (k *Kernel) InvokePrompt(ctx context.Context, prompt string, settings models.ExecutionSettings) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt must not be empty")
	}
	history := models.NewChatHistory("")
	history.AddUserMessage(prompt)
	resp, err := k.GetChatMessageContent(ctx, history, settings)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (k *Kernel) resolve(settings models.ExecutionSettings) (models.Model, provider.Provider, error) {
	modelID := settings.ModelID
	if modelID == "" {
		modelID = k.defaultModel
	}
	if modelID == "" {
		return models.Model{}, nil, fmt.Errorf("no model requested and no default model configured: %w", provider.ErrUnknownModel)
	}
	model, p, err := k.registry.LookupModel(modelID)
	if err != nil {
		return models.Model{}, nil, err
	}
	if settings.ServiceID != "" && settings.ServiceID != p.Name() {
		return models.Model{}, nil, fmt.Errorf("model %s is served by %s, not %s: %w", modelID, p.Name(), settings.ServiceID, provider.ErrUnknownModel)
	}
	return model, p, nil
}

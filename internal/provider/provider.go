package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"gokernel/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrNoChoices indicates a successful HTTP exchange that carried no candidates.
var ErrNoChoices = errors.New("no choices returned")

// ErrBlocked indicates the provider refused to answer on safety grounds.
var ErrBlocked = errors.New("response was blocked for safety reasons")

// ErrEmptyResponse indicates a choice without text or tool calls.
var ErrEmptyResponse = errors.New("empty response from model")

// ToolDefinition describes a callable function advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model    string
	Messages []models.Message
	Settings models.ExecutionSettings
	Tools    []ToolDefinition
}

// Provider defines the behaviour required to serve unified chat requests.
// Chat performs a single request/response exchange; tool invocation is the
// caller's concern.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	Chat(ctx context.Context, req ChatRequest) (*models.ChatResponse, error)
}

// Embedder is implemented by providers that expose an embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s error status %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether a later identical request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

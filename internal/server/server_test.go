package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gokernel/internal/config"
	"gokernel/internal/kernel"
	"gokernel/internal/memory"
	"gokernel/internal/metrics"
	"gokernel/internal/models"
	"gokernel/internal/plugins"
	"gokernel/internal/provider"
	"gokernel/internal/vectorstore"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []provider.ChatRequest
	respond  func(n int) (*models.ChatResponse, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListModels(ctx context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "test-model", Provider: "fake"}}, nil
}

func (f *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (*models.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	return f.respond(n)
}

type wordEmbedder struct{}

func (wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := []float32{0.01, 0}
		if strings.Contains(text, "coffee") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Providers.Ollama = &config.ProviderConfig{
		BaseURL: "http://localhost:11434",
		Models:  []config.ModelConfig{{ID: "test-model"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestServer(t *testing.T, p *fakeProvider, opts ...Option) *Server {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.RegisterProvider(context.Background(), p, nil))

	promReg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(promReg)
	require.NoError(t, err)

	k, err := kernel.New(reg, kernel.WithDefaultModel("test-model"), kernel.WithMetrics(recorder))
	require.NoError(t, err)
	mathPlugin, err := plugins.Math()
	require.NoError(t, err)
	require.NoError(t, k.AddPlugin(mathPlugin))

	opts = append([]Option{WithGatherer(promReg)}, opts...)
	srv, err := New(testConfig(), k, opts...)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndModels(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{})

	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/v1/models/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"object":"list","data":[{"id":"test-model","object":"model","owned_by":"fake"}]}`, rec.Body.String())
}

func TestChatCompletionsRunsFunctions(t *testing.T) {
	p := &fakeProvider{respond: func(n int) (*models.ChatResponse, error) {
		if n == 1 {
			return &models.ChatResponse{
				ID: "r1",
				Message: models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
					{ID: "call_1", Name: "math-add", Arguments: `{"a":2,"b":3}`},
				}},
				FinishReason: models.FinishReasonToolCalls,
				Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		}
		return &models.ChatResponse{
			ID:           "r2",
			Message:      models.Message{Role: models.RoleAssistant, Content: "2 + 3 = 5"},
			FinishReason: models.FinishReasonStop,
			Usage:        models.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
		}, nil
	}}
	srv := newTestServer(t, p)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"add 2 and 3"}],"temperature":0.2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
		History []struct {
			Role       string `json:"role"`
			Content    string `json:"content"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "r2", resp.ID)
	assert.Equal(t, "test-model", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "2 + 3 = 5", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 40, resp.Usage.TotalTokens)

	require.Len(t, resp.History, 2)
	assert.Equal(t, "math-add", resp.History[0].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", resp.History[1].Role)
	assert.Equal(t, "call_1", resp.History[1].ToolCallID)
	assert.Equal(t, "5", resp.History[1].Content)

	require.Len(t, p.requests, 2)
	assert.Len(t, p.requests[0].Tools, 2)
	assert.InDelta(t, 0.2, *p.requests[0].Settings.Temperature, 1e-9)

	metricsRec := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `gokernel_function_invocations_total{function="math-add",status="ok"} 1`)
}

func TestChatCompletionsSystemPrompt(t *testing.T) {
	p := &fakeProvider{respond: func(n int) (*models.ChatResponse, error) {
		return &models.ChatResponse{Message: models.Message{Role: models.RoleAssistant, Content: "hi"}}, nil
	}}
	reg := provider.NewRegistry()
	require.NoError(t, reg.RegisterProvider(context.Background(), p, nil))
	k, err := kernel.New(reg, kernel.WithDefaultModel("test-model"))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Server.SystemPrompt = "You are terse."
	srv, err := New(cfg, k)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.requests, 1)
	assert.Equal(t, models.RoleSystem, p.requests[0].Messages[0].Role)
	assert.Equal(t, "You are terse.", p.requests[0].Messages[0].Content)
}

func TestChatCompletionsErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		upstream   error
		wantStatus int
		wantType   string
	}{
		{name: "no body", body: "", wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "no messages", body: `{"messages":[]}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "bad role", body: `{"messages":[{"role":"robot","content":"x"}]}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "streaming", body: `{"stream":true,"messages":[{"role":"user","content":"x"}]}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "unknown model", body: `{"model":"nope","messages":[{"role":"user","content":"x"}]}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "bad temperature", body: `{"temperature":9,"messages":[{"role":"user","content":"x"}]}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{
			name:       "rate limited",
			body:       `{"messages":[{"role":"user","content":"x"}]}`,
			upstream:   &provider.APIError{Provider: "fake", StatusCode: http.StatusTooManyRequests, Message: "slow down"},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
		},
		{
			name:       "upstream failure",
			body:       `{"messages":[{"role":"user","content":"x"}]}`,
			upstream:   errors.New("connection reset"),
			wantStatus: http.StatusBadGateway,
			wantType:   "upstream_error",
		},
		{
			name:       "blocked",
			body:       `{"messages":[{"role":"user","content":"x"}]}`,
			upstream:   provider.ErrBlocked,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{respond: func(n int) (*models.ChatResponse, error) {
				if tt.upstream != nil {
					return nil, tt.upstream
				}
				return &models.ChatResponse{Message: models.Message{Role: models.RoleAssistant, Content: "ok"}}, nil
			}}
			srv := newTestServer(t, p)

			rec := do(t, srv, http.MethodPost, "/v1/chat/completions", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantType, decodeError(t, rec).Error.Type)
		})
	}
}

func TestMemoryRoutes(t *testing.T) {
	mem, err := memory.New(vectorstore.NewMemoryStore(), wordEmbedder{}, 0)
	require.NoError(t, err)
	srv := newTestServer(t, &fakeProvider{}, WithMemory(mem))

	rec := do(t, srv, http.MethodPost, "/v1/memory/notes/records", `{"key":"k1","text":"I drink coffee every morning","metadata":{"source":"chat"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"key":"k1"}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/memory/notes/search", `{"query":"how do I take my coffee?","limit":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Len(t, found.Results, 1)
	assert.Equal(t, "k1", found.Results[0].Key)
	assert.Equal(t, "chat", found.Results[0].Metadata["source"])

	rec = do(t, srv, http.MethodPost, "/v1/memory/notes/search", `{"query":"weather"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/memory/bad%20name/records", `{"text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/memory/notes/records", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryRoutesDisabled(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{})

	rec := do(t, srv, http.MethodPost, "/v1/memory/notes/search", `{"query":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "server_error", decodeError(t, rec).Error.Type)
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{})

	rec := do(t, srv, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gokernel/internal/config"
	"gokernel/internal/kernel"
	"gokernel/internal/memory"
	"gokernel/internal/models"
	"gokernel/internal/provider"
	"gokernel/internal/translator"
	"gokernel/internal/vectorstore"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
	defaultSearchLimit  = 5
)

type Server struct {
	cfg      config.Config
	kernel   *kernel.Kernel
	memory   *memory.TextMemory
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	app      *echo.Echo
	address  string
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithMemory enables the /v1/memory routes.
func WithMemory(mem *memory.TextMemory) Option {
	return func(s *Server) { s.memory = mem }
}

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, k *kernel.Kernel, opts ...Option) (*Server, error) {
	if k == nil {
		return nil, errors.New("kernel must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		kernel:  k,
		logger:  slog.Default(),
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
	for _, opt := range opts {
		opt(srv)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.kernel)
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/memory/:collection/records", s.handleMemorySave)
	s.app.POST("/v1/memory/:collection/search", s.handleMemorySearch)
	if s.gatherer != nil {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModels(s.kernel.Registry().Models()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	history := req.History()
	if prompt := s.cfg.Server.SystemPrompt; prompt != "" && history.SystemPrompt() == "" {
		withSystem := models.NewChatHistory(prompt)
		for _, msg := range history.Messages() {
			withSystem.Add(msg)
		}
		history = withSystem
	}
	before := history.Len()

	resp, err := s.kernel.GetChatMessageContent(c.Request().Context(), history, req.Settings())
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	appended := history.Messages()[before:]
	var intermediate []models.Message
	if len(appended) > 1 {
		intermediate = appended[:len(appended)-1]
	}

	out := translator.FromChatResponse(resp.Message.ModelID, time.Now().Unix(), resp, intermediate)
	return c.JSON(http.StatusOK, out)
}

type saveRecordRequest struct {
	Key      string            `json:"key"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type searchRequest struct {
	Query    string   `json:"query"`
	Limit    int      `json:"limit"`
	MinScore *float64 `json:"min_score"`
}

type searchResponse struct {
	Results []memory.Item `json:"results"`
}

func (s *Server) handleMemorySave(c echo.Context) error {
	if s.memory == nil {
		return errMemoryDisabled
	}
	collection := c.Param("collection")
	if err := vectorstore.ValidateCollection(collection); err != nil {
		return badRequest(err.Error())
	}

	var req saveRecordRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest("text must not be empty")
	}

	key, err := s.memory.Save(c.Request().Context(), collection, req.Key, req.Text, req.Metadata)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleMemorySearch(c echo.Context) error {
	if s.memory == nil {
		return errMemoryDisabled
	}
	collection := c.Param("collection")
	if err := vectorstore.ValidateCollection(collection); err != nil {
		return badRequest(err.Error())
	}

	var req searchRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Query) == "" {
		return badRequest("query must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	minScore := memory.DefaultMinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	items, err := s.memory.Search(c.Request().Context(), collection, req.Query, limit, minScore)
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []memory.Item{}
	}
	return c.JSON(http.StatusOK, searchResponse{Results: items})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

var errMemoryDisabled = requestError{
	Status:  http.StatusServiceUnavailable,
	Message: "text memory is not configured",
	Type:    "server_error",
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: "invalid_request_error"}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, provider.ErrUnknownModel),
		errors.Is(err, provider.ErrUnsupportedOperation),
		errors.Is(err, models.ErrInvalidSettings),
		errors.Is(err, models.ErrInvalidRole),
		errors.Is(err, models.ErrTurnOrder):
		return badRequest(err.Error())
	case errors.Is(err, provider.ErrBlocked):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error", Code: "content_filter"}
	case errors.Is(err, vectorstore.ErrCollectionNotFound), errors.Is(err, vectorstore.ErrRecordNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, context.DeadlineExceeded):
		return requestError{Status: http.StatusGatewayTimeout, Message: "upstream request timed out", Type: "upstream_error"}
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return requestError{Status: http.StatusTooManyRequests, Message: apiErr.Error(), Type: "rate_limit_error"}
	}

	slog.Error("upstream failure", "err", err)
	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int, k *kernel.Kernel) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("gokernel gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/memory/:collection/records")
	fmt.Println("  POST /v1/memory/:collection/search")
	fmt.Println("  GET  /metrics")
	var names []string
	for _, p := range k.Plugins() {
		names = append(names, p.Name)
	}
	if len(names) > 0 {
		fmt.Printf("Plugins: %s\n", strings.Join(names, ", "))
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"What time is it in Tokyo?\"}]}'\n\n", host, port)
}

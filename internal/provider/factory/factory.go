package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"gokernel/internal/config"
	"gokernel/internal/httpretry"
	"gokernel/internal/metrics"
	"gokernel/internal/provider"
	anthropicProvider "gokernel/internal/provider/anthropic"
	geminiProvider "gokernel/internal/provider/gemini"
	ollamaProvider "gokernel/internal/provider/ollama"
	openaiProvider "gokernel/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Options carries the shared observability hooks for constructed clients.
type Options struct {
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	client := NewHTTPClient(cfg.Retry, opts)
	for _, named := range cfg.Providers.All() {
		p, err := newProvider(named.Name, cfg.Providers, client)
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", named.Name, err)
		}
		if err := registry.RegisterProvider(ctx, p, named.Config.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", named.Name, err)
		}
		logger(opts).Debug("registered provider", "provider", named.Name, "models", len(named.Config.Models))
	}
	return nil
}

func newProvider(name string, providers config.ProvidersConfig, client *http.Client) (provider.Provider, error) {
	switch name {
	case "openai":
		return openaiProvider.New(name, *providers.OpenAI, client)
	case "azure_openai":
		return openaiProvider.NewAzure(name, *providers.AzureOpenAI, client)
	case "gemini":
		return geminiProvider.New(name, *providers.Gemini, client)
	case "ollama":
		return ollamaProvider.New(name, *providers.Ollama, client)
	case "anthropic":
		return anthropicProvider.New(name, *providers.Anthropic, client)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// NewHTTPClient builds the tuned client shared by every outbound adapter,
// wrapping it with the retry handler when retries are configured.
func NewHTTPClient(retry config.RetryConfig, opts Options) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if retry.MaxRetries > 0 {
		rt := httpretry.New(transport, httpretry.Config{
			MaxRetries:            retry.MaxRetries,
			MinDelay:              retry.MinDelay,
			MaxDelay:              retry.MaxDelay,
			UseExponentialBackoff: retry.UseExponentialBackoff,
			RetryableStatusCodes:  retry.RetryableStatusCodes,
			RetryOnTransportError: true,
		})
		log := logger(opts)
		rt.OnRetry = func(req *http.Request, n int, reason string) {
			opts.Metrics.ObserveRetry(req.URL.Host)
			log.Warn("retrying request", "host", req.URL.Host, "retry", n, "reason", reason)
		}
		transport = rt
	}

	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: transport,
	}
}

// NewEmbedder returns the embedding-capable provider named in the
// embeddings section, or nil when embeddings are not configured.
func NewEmbedder(cfg config.EmbeddingsConfig, registry *provider.Registry) (provider.Embedder, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	p, ok := registry.LookupProvider(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("embeddings provider %q is not registered", cfg.Provider)
	}
	embedder, ok := p.(provider.Embedder)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support embeddings: %w", cfg.Provider, provider.ErrUnsupportedOperation)
	}
	return embedder, nil
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

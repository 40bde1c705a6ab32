package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultGeminiBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultOllamaBaseURL    = "http://localhost:11434"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAzureAPIVersion  = "2024-06-01"

	defaultPort                   = 8080
	defaultMaxAutoInvokeAttempts  = 5
	defaultMaxInflightAutoInvokes = 128
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Retry       RetryConfig       `yaml:"retry"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Search      SearchConfig      `yaml:"search"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	SystemPrompt string `yaml:"system_prompt"`
}

// LogConfig selects the console log level and colouring.
type LogConfig struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"no_color"`
}

// KernelConfig tunes the auto-invoke loop.
type KernelConfig struct {
	DefaultModel              string `yaml:"default_model"`
	MaxAutoInvokeAttempts     int    `yaml:"max_auto_invoke_attempts"`
	MaxInflightAutoInvokes    int    `yaml:"max_inflight_auto_invokes"`
	AllowConcurrentInvocation bool   `yaml:"allow_concurrent_invocation"`
	HistoryTokenBudget        int    `yaml:"history_token_budget"`
}

// RetryConfig configures the optional HTTP retry handler. A zero
// MaxRetries disables it.
type RetryConfig struct {
	MaxRetries            int           `yaml:"max_retries"`
	MinDelay              time.Duration `yaml:"min_delay"`
	MaxDelay              time.Duration `yaml:"max_delay"`
	UseExponentialBackoff bool          `yaml:"exponential_backoff"`
	RetryableStatusCodes  []int         `yaml:"retryable_status_codes"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	OpenAI      *ProviderConfig `yaml:"openai"`
	AzureOpenAI *AzureConfig    `yaml:"azure_openai"`
	Gemini      *ProviderConfig `yaml:"gemini"`
	Ollama      *ProviderConfig `yaml:"ollama"`
	Anthropic   *ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []ModelConfig     `yaml:"models"`
	Headers Headers           `yaml:"headers"`
	Aliases map[string]string `yaml:"aliases"`
}

// AzureConfig extends ProviderConfig with the Azure deployment details.
type AzureConfig struct {
	ProviderConfig `yaml:",inline"`
	APIVersion     string `yaml:"api_version"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider. Deployment is only
// meaningful for Azure OpenAI, where it defaults to the model ID.
type ModelConfig struct {
	ID         string `yaml:"id"`
	Deployment string `yaml:"deployment"`
}

// EmbeddingsConfig selects the provider and model used for text memory.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// VectorStoreConfig selects and configures the vector store back-end.
type VectorStoreConfig struct {
	Kind     string         `yaml:"kind"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Pinecone PineconeConfig `yaml:"pinecone"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

type QdrantConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type PineconeConfig struct {
	IndexHost string `yaml:"index_host"`
	APIKey    string `yaml:"api_key"`
}

type MongoDBConfig struct {
	URI       string `yaml:"uri"`
	Database  string `yaml:"database"`
	IndexName string `yaml:"index_name"`
}

// SearchConfig selects the web search engine.
type SearchConfig struct {
	Kind     string `yaml:"kind"`
	APIKey   string `yaml:"api_key"`
	EngineID string `yaml:"engine_id"`
	BaseURL  string `yaml:"base_url"`
}

// Load reads YAML configuration from disk, expands ${VAR} references from the
// environment (after loading an optional .env file) and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(absPath), ".env")); err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from well-known environment variables, for
// running without a config file. Only providers whose key is present are
// enabled; Ollama is enabled when OLLAMA_MODEL is set.
func FromEnv() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Providers.OpenAI = &ProviderConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Models:  []ModelConfig{{ID: envOr("OPENAI_MODEL", "gpt-4o-mini")}},
		}
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		cfg.Providers.Gemini = &ProviderConfig{
			APIKey: key,
			Models: []ModelConfig{{ID: envOr("GEMINI_MODEL", "gemini-1.5-flash")}},
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers.Anthropic = &ProviderConfig{
			APIKey: key,
			Models: []ModelConfig{{ID: envOr("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest")}},
		}
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		cfg.Providers.Ollama = &ProviderConfig{
			BaseURL: os.Getenv("OLLAMA_HOST"),
			Models:  []ModelConfig{{ID: model}},
		}
	}
	if key := os.Getenv("BING_API_KEY"); key != "" {
		cfg.Search = SearchConfig{Kind: "bing", APIKey: key}
	} else if key := os.Getenv("GOOGLE_SEARCH_API_KEY"); key != "" {
		cfg.Search = SearchConfig{Kind: "google", APIKey: key, EngineID: os.Getenv("GOOGLE_SEARCH_ENGINE_ID")}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills optional fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Kernel.MaxAutoInvokeAttempts == 0 {
		c.Kernel.MaxAutoInvokeAttempts = defaultMaxAutoInvokeAttempts
	}
	if c.Kernel.MaxInflightAutoInvokes == 0 {
		c.Kernel.MaxInflightAutoInvokes = defaultMaxInflightAutoInvokes
	}
	if c.VectorStore.Kind == "" {
		c.VectorStore.Kind = "memory"
	}

	setBaseURL(c.Providers.OpenAI, DefaultOpenAIBaseURL)
	setBaseURL(c.Providers.Gemini, DefaultGeminiBaseURL)
	setBaseURL(c.Providers.Ollama, DefaultOllamaBaseURL)
	setBaseURL(c.Providers.Anthropic, DefaultAnthropicBaseURL)
	if c.Providers.AzureOpenAI != nil && c.Providers.AzureOpenAI.APIVersion == "" {
		c.Providers.AzureOpenAI.APIVersion = DefaultAzureAPIVersion
	}

	if c.Kernel.DefaultModel == "" {
		for _, p := range c.Providers.All() {
			if len(p.Config.Models) > 0 {
				c.Kernel.DefaultModel = p.Config.Models[0].ID
				break
			}
		}
	}
}

// NamedProvider pairs a provider key with its configuration.
type NamedProvider struct {
	Name   string
	Config ProviderConfig
}

// All returns the configured providers in a stable order.
func (p ProvidersConfig) All() []NamedProvider {
	var out []NamedProvider
	if p.OpenAI != nil {
		out = append(out, NamedProvider{Name: "openai", Config: *p.OpenAI})
	}
	if p.AzureOpenAI != nil {
		out = append(out, NamedProvider{Name: "azure_openai", Config: p.AzureOpenAI.ProviderConfig})
	}
	if p.Gemini != nil {
		out = append(out, NamedProvider{Name: "gemini", Config: *p.Gemini})
	}
	if p.Ollama != nil {
		out = append(out, NamedProvider{Name: "ollama", Config: *p.Ollama})
	}
	if p.Anthropic != nil {
		out = append(out, NamedProvider{Name: "anthropic", Config: *p.Anthropic})
	}
	return out
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if c.Kernel.MaxAutoInvokeAttempts < 0 {
		return fmt.Errorf("kernel.max_auto_invoke_attempts must not be negative, got %d", c.Kernel.MaxAutoInvokeAttempts)
	}
	if c.Kernel.MaxInflightAutoInvokes < 0 {
		return fmt.Errorf("kernel.max_inflight_auto_invokes must not be negative, got %d", c.Kernel.MaxInflightAutoInvokes)
	}
	if c.Kernel.HistoryTokenBudget < 0 {
		return fmt.Errorf("kernel.history_token_budget must not be negative, got %d", c.Kernel.HistoryTokenBudget)
	}

	if err := c.Retry.validate(); err != nil {
		return err
	}

	providers := c.Providers.All()
	if len(providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	for _, p := range providers {
		if err := validateProvider(p.Name, p.Config, p.Name != "ollama"); err != nil {
			return err
		}
	}

	if err := c.validateEmbeddings(); err != nil {
		return err
	}
	if err := c.VectorStore.validate(); err != nil {
		return err
	}
	return c.Search.validate()
}

func (r RetryConfig) validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.MinDelay < 0 || r.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.MinDelay > r.MaxDelay {
		return fmt.Errorf("retry.min_delay %s exceeds retry.max_delay %s", r.MinDelay, r.MaxDelay)
	}
	for _, code := range r.RetryableStatusCodes {
		if code < 400 || code > 599 {
			return fmt.Errorf("retry.retryable_status_codes: %d is not an HTTP error status", code)
		}
	}
	return nil
}

func (c Config) validateEmbeddings() error {
	e := c.Embeddings
	if e.Provider == "" {
		return nil
	}
	switch e.Provider {
	case "openai":
		if c.Providers.OpenAI == nil {
			return errors.New("embeddings.provider openai requires providers.openai")
		}
	case "azure_openai":
		if c.Providers.AzureOpenAI == nil {
			return errors.New("embeddings.provider azure_openai requires providers.azure_openai")
		}
	case "ollama":
		if c.Providers.Ollama == nil {
			return errors.New("embeddings.provider ollama requires providers.ollama")
		}
	default:
		return fmt.Errorf("embeddings.provider %q must be one of openai, azure_openai, ollama", e.Provider)
	}
	if strings.TrimSpace(e.Model) == "" {
		return errors.New("embeddings.model must be provided")
	}
	if e.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must not be negative, got %d", e.Dimensions)
	}
	return nil
}

func (v VectorStoreConfig) validate() error {
	switch v.Kind {
	case "memory":
		return nil
	case "qdrant":
		return validateURL("vector_store.qdrant.url", v.Qdrant.URL)
	case "pinecone":
		if strings.TrimSpace(v.Pinecone.APIKey) == "" {
			return errors.New("vector_store.pinecone.api_key must be provided")
		}
		return validateURL("vector_store.pinecone.index_host", v.Pinecone.IndexHost)
	case "mongodb":
		if strings.TrimSpace(v.MongoDB.URI) == "" {
			return errors.New("vector_store.mongodb.uri must be provided")
		}
		if strings.TrimSpace(v.MongoDB.Database) == "" {
			return errors.New("vector_store.mongodb.database must be provided")
		}
		return nil
	default:
		return fmt.Errorf("vector_store.kind %q must be one of memory, qdrant, pinecone, mongodb", v.Kind)
	}
}

func (s SearchConfig) validate() error {
	switch s.Kind {
	case "":
		return nil
	case "bing":
		if strings.TrimSpace(s.APIKey) == "" {
			return errors.New("search.api_key must be provided for bing")
		}
	case "google":
		if strings.TrimSpace(s.APIKey) == "" || strings.TrimSpace(s.EngineID) == "" {
			return errors.New("search.api_key and search.engine_id must be provided for google")
		}
	default:
		return fmt.Errorf("search.kind %q must be one of bing, google", s.Kind)
	}
	if s.BaseURL != "" {
		return validateURL("search.base_url", s.BaseURL)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig, requireKey bool) error {
	if requireKey && strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if err := validateURL("provider "+name+": base_url", provider.BaseURL); err != nil {
		return err
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must be provided", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute URL", field, raw)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

func setBaseURL(p *ProviderConfig, fallback string) {
	if p != nil && strings.TrimSpace(p.BaseURL) == "" {
		p.BaseURL = fallback
	}
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
kernel:
  max_auto_invoke_attempts: 3
retry:
  max_retries: 2
  min_delay: 200ms
  max_delay: 2s
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    models:
      - id: gpt-4o
    aliases:
      smart: gpt-4o
  ollama:
    models:
      - id: llama3.2
embeddings:
  provider: ollama
  model: nomic-embed-text
vector_store:
  kind: qdrant
  qdrant:
    url: http://localhost:6333
search:
  kind: bing
  api_key: bing-key
`

func TestLoadExpandsEnvironmentAndDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, DefaultOpenAIBaseURL, cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, DefaultOllamaBaseURL, cfg.Providers.Ollama.BaseURL)
	assert.Equal(t, "gpt-4o", cfg.Kernel.DefaultModel)
	assert.Equal(t, 3, cfg.Kernel.MaxAutoInvokeAttempts)
	assert.Equal(t, defaultMaxInflightAutoInvokes, cfg.Kernel.MaxInflightAutoInvokes)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.MinDelay)
	assert.Equal(t, "info", cfg.Log.Level)

	names := make([]string, 0)
	for _, p := range cfg.Providers.All() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"openai", "ollama"}, names)
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TEST_DOTENV_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_DOTENV_KEY") })

	cfgText := "providers:\n  anthropic:\n    api_key: ${TEST_DOTENV_KEY}\n    models:\n      - id: claude-3-5-haiku-latest\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgText), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Providers.Anthropic.APIKey)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no providers", yaml: "server:\n  port: 80\n"},
		{name: "missing key", yaml: "providers:\n  openai:\n    models:\n      - id: gpt-4o\n"},
		{name: "no models", yaml: "providers:\n  openai:\n    api_key: k\n"},
		{name: "bad header", yaml: "providers:\n  openai:\n    api_key: k\n    models: [{id: m}]\n    headers:\n      \"X_Bad\": v\n"},
		{name: "azure without endpoint", yaml: "providers:\n  azure_openai:\n    api_key: k\n    models: [{id: m}]\n"},
		{name: "bad port", yaml: "server:\n  port: 70000\nproviders:\n  ollama:\n    models: [{id: m}]\n"},
		{name: "bad vector store", yaml: "providers:\n  ollama:\n    models: [{id: m}]\nvector_store:\n  kind: redis\n"},
		{name: "google search without cx", yaml: "providers:\n  ollama:\n    models: [{id: m}]\nsearch:\n  kind: google\n  api_key: k\n"},
		{name: "embeddings without provider config", yaml: "providers:\n  ollama:\n    models: [{id: m}]\nembeddings:\n  provider: openai\n  model: text-embedding-3-small\n"},
		{name: "retry delays inverted", yaml: "providers:\n  ollama:\n    models: [{id: m}]\nretry:\n  max_retries: 1\n  min_delay: 5s\n  max_delay: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestAzureDefaults(t *testing.T) {
	cfg, err := Parse([]byte("providers:\n  azure_openai:\n    api_key: k\n    base_url: https://example.openai.azure.com\n    models:\n      - id: gpt-4o\n        deployment: prod-gpt4o\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAzureAPIVersion, cfg.Providers.AzureOpenAI.APIVersion)
	assert.Equal(t, "prod-gpt4o", cfg.Providers.AzureOpenAI.Models[0].Deployment)
}

func TestFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"OPENAI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "BING_API_KEY", "GOOGLE_SEARCH_API_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("OLLAMA_MODEL", "llama3.2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NotNil(t, cfg.Providers.Ollama)
	assert.Nil(t, cfg.Providers.OpenAI)
	assert.Equal(t, "llama3.2", cfg.Kernel.DefaultModel)
}

// Package config loads the LLM client configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/retry"
)

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderBedrock   = "bedrock"
)

// Batch store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

type (
	// Config is the complete client configuration.
	Config struct {
		// Provider selects the adapter: anthropic, openai, azure or bedrock.
		Provider  string          `yaml:"provider"`
		Anthropic AnthropicConfig `yaml:"anthropic"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Azure     AzureConfig     `yaml:"azure"`
		Bedrock   BedrockConfig   `yaml:"bedrock"`
		// Defaults are merged under every request.
		Defaults  Defaults        `yaml:"defaults"`
		Retry     retry.Config    `yaml:"retry"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Store     StoreConfig     `yaml:"store"`
	}

	AnthropicConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	}

	OpenAIConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	}

	AzureConfig struct {
		Endpoint   string `yaml:"endpoint"`
		APIKey     string `yaml:"api_key"`
		APIVersion string `yaml:"api_version"`
	}

	BedrockConfig struct {
		Region string `yaml:"region"`
	}

	// Defaults is the YAML form of the default request parameters.
	Defaults struct {
		Model           string   `yaml:"model"`
		Temperature     *float64 `yaml:"temperature"`
		TopP            *float64 `yaml:"top_p"`
		TopK            *int     `yaml:"top_k"`
		MaxOutputTokens *int     `yaml:"max_output_tokens"`
		Stop            []string `yaml:"stop"`
		// CacheSystem and CacheTools enable ephemeral cache directives.
		CacheSystem bool `yaml:"cache_system"`
		CacheTools  bool `yaml:"cache_tools"`
		// ThinkingBudget enables extended reasoning when positive.
		ThinkingBudget int `yaml:"thinking_budget"`
	}

	// RateLimitConfig configures the adaptive rate limiter. A zero TPM
	// disables it.
	RateLimitConfig struct {
		TPM    float64 `yaml:"tpm"`
		MaxTPM float64 `yaml:"max_tpm"`
		// ClusterKey shares the budget across processes through Redis.
		ClusterKey string `yaml:"cluster_key"`
	}

	// StoreConfig selects the batch submission store.
	StoreConfig struct {
		Kind     string `yaml:"kind"`
		RedisURL string `yaml:"redis_url"`
		MongoURL string `yaml:"mongo_url"`
		// MongoDatabase defaults to "llm".
		MongoDatabase string `yaml:"mongo_database"`
	}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: ProviderAnthropic,
		Retry:    retry.DefaultConfig(),
		Store:    StoreConfig{Kind: StoreMemory, MongoDatabase: "llm"},
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment overrides. An empty path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with the non-empty environment variables
// returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Provider, "LLM_PROVIDER")
	set(&c.Defaults.Model, "LLM_MODEL")
	set(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT")
	set(&c.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	set(&c.Azure.APIVersion, "AZURE_OPENAI_API_VERSION")
	set(&c.Bedrock.Region, "AWS_REGION")
	set(&c.Store.RedisURL, "REDIS_URL")
	set(&c.Store.MongoURL, "MONGO_URL")
	if v := strings.TrimSpace(getenv("LLM_RATE_TPM")); v != "" {
		tpm, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LLM_RATE_TPM: %w", err)
		}
		c.RateLimit.TPM = tpm
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("anthropic: api key is required (ANTHROPIC_API_KEY)"))
		}
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai: api key is required (OPENAI_API_KEY)"))
		}
	case ProviderAzure:
		if c.Azure.Endpoint == "" || c.Azure.APIKey == "" || c.Azure.APIVersion == "" {
			errs = append(errs, errors.New("azure: endpoint, api key and api version are required"))
		}
	case ProviderBedrock:
		if c.Bedrock.Region == "" {
			errs = append(errs, errors.New("bedrock: region is required (AWS_REGION)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Defaults.Model == "" {
		errs = append(errs, errors.New("defaults.model is required (LLM_MODEL)"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.RateLimit.TPM < 0 || c.RateLimit.MaxTPM < 0 {
		errs = append(errs, errors.New("rate_limit budgets must not be negative"))
	}
	if c.RateLimit.ClusterKey != "" && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("rate_limit.cluster_key requires a redis url"))
	}
	switch c.Store.Kind {
	case "", StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store: redis url is required (REDIS_URL)"))
		}
	case StoreMongo:
		if c.Store.MongoURL == "" {
			errs = append(errs, errors.New("store: mongo url is required (MONGO_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown kind %q", c.Store.Kind))
	}
	return errors.Join(errs...)
}

// Request returns the default request parameters.
func (c *Config) Request() *llm.Request {
	d := c.Defaults
	req := &llm.Request{
		Model: d.Model,
		Sampling: llm.Sampling{
			Temperature:     d.Temperature,
			TopP:            d.TopP,
			TopK:            d.TopK,
			MaxOutputTokens: d.MaxOutputTokens,
			Stop:            d.Stop,
		},
	}
	if d.CacheSystem || d.CacheTools {
		req.Cache = &llm.CachePolicy{}
		if d.CacheSystem {
			req.Cache.System = llm.CacheEphemeral
		}
		if d.CacheTools {
			req.Cache.Tools = llm.CacheEphemeral
		}
	}
	if d.ThinkingBudget > 0 {
		req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: d.ThinkingBudget}
	}
	return req
}

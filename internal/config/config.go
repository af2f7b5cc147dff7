package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable snapshot injected at Controller construction.
// Hot reload (see Watcher) only affects runs started after the reload.
type Config struct {
	LLM           LLMConfig           `mapstructure:"llm"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Fusion        FusionConfig        `mapstructure:"fusion"`
	Rerank        RerankConfig        `mapstructure:"rerank"`
	Agents        AgentsConfig        `mapstructure:"agents"`
	Intent        IntentConfig        `mapstructure:"intent"`
	Overflow      OverflowConfig      `mapstructure:"overflow"`
	Progress      ProgressConfig      `mapstructure:"progress"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Server        ServerConfig        `mapstructure:"server"`
}

type LLMConfig struct {
	Endpoint               string  `mapstructure:"endpoint"`
	ModelID                string  `mapstructure:"model_id"`
	Temperature            float64 `mapstructure:"temperature"`
	Streaming              bool    `mapstructure:"streaming"`
	ContextWindowTokens    int     `mapstructure:"context_window_tokens"`
	ReservedResponseTokens int     `mapstructure:"reserved_response_tokens"`
	SafetyMarginTokens     int     `mapstructure:"safety_margin_tokens"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
}

type VectorStoreConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

type GraphStoreConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	MaxDepth int    `mapstructure:"max_depth"`
}

type RelationalStoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite3
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

type RetrievalConfig struct {
	PerStoreDeadlineMs  int                   `mapstructure:"per_store_deadline_ms"`
	MaxResultsPerStore  int                   `mapstructure:"max_results_per_store"`
	Vector              VectorStoreConfig     `mapstructure:"vector"`
	Graph               GraphStoreConfig      `mapstructure:"graph"`
	Relational          RelationalStoreConfig `mapstructure:"relational"`
}

type FusionConfig struct {
	Strategy string             `mapstructure:"strategy"` // rrf | weighted | borda
	KRRF     int                `mapstructure:"k_rrf"`
	Weights  map[string]float64 `mapstructure:"weights"`
}

type RerankConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	TopN    int    `mapstructure:"top_n"`
	Mode    string `mapstructure:"mode"` // relevance | informativeness | combined
}

type AgentsConfig struct {
	MaxParallel      int      `mapstructure:"max_parallel"`
	MaxAgents        int      `mapstructure:"max_agents"`
	DefaultTimeoutMs int      `mapstructure:"default_timeout_ms"`
	AlwaysOn         []string `mapstructure:"always_on"`
	RegistryFile     string   `mapstructure:"registry_file"`
}

type IntentConfig struct {
	LLMThreshold float64 `mapstructure:"llm_threshold"`
}

type OverflowConfig struct {
	StrategyPriority      []string `mapstructure:"strategy_priority"`
	MinViablePromptTokens int      `mapstructure:"min_viable_prompt_tokens"`
}

type ProgressConfig struct {
	ReplayBufferSize int    `mapstructure:"replay_buffer_size"`
	ReplayTTLSeconds int    `mapstructure:"replay_ttl_seconds"`
	RedisAddr        string `mapstructure:"redis_addr"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		ServiceName  string `mapstructure:"service_name"`
	} `mapstructure:"tracing"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	ShutdownGraceMs int    `mapstructure:"shutdown_grace_ms"`
}

// PerStoreDeadline returns the retrieval deadline as a duration.
func (r RetrievalConfig) PerStoreDeadline() time.Duration {
	return time.Duration(r.PerStoreDeadlineMs) * time.Millisecond
}

// DefaultAgentTimeout returns the agent timeout as a duration.
func (a AgentsConfig) DefaultAgentTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutMs) * time.Millisecond
}

// Load reads the config file from CONFIG_PATH (or config/orchestrator.yaml),
// applies defaults and environment overrides, and validates the result.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "orchestrator.yaml")
	}
	return LoadFile(cfgPath)
}

// LoadFile reads a specific config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is not fatal; defaults plus env cover local runs.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1")
	v.SetDefault("llm.model_id", "qwen2.5-14b-instruct")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.streaming", true)
	v.SetDefault("llm.context_window_tokens", 32768)
	v.SetDefault("llm.reserved_response_tokens", 2048)
	v.SetDefault("llm.safety_margin_tokens", 512)
	v.SetDefault("llm.requests_per_second", 4.0)

	v.SetDefault("retrieval.per_store_deadline_ms", 4000)
	v.SetDefault("retrieval.max_results_per_store", 20)
	v.SetDefault("retrieval.vector.host", "localhost")
	v.SetDefault("retrieval.vector.port", 6333)
	v.SetDefault("retrieval.vector.collection", "verwaltungsrecht")
	v.SetDefault("retrieval.graph.endpoint", "http://localhost:7474")
	v.SetDefault("retrieval.graph.max_depth", 2)
	v.SetDefault("retrieval.relational.driver", "postgres")
	v.SetDefault("retrieval.relational.table", "vorschriften")

	v.SetDefault("fusion.strategy", "rrf")
	v.SetDefault("fusion.k_rrf", 60)
	v.SetDefault("fusion.weights", map[string]float64{
		"vector": 0.5, "graph": 0.3, "relational": 0.2,
	})

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.top_n", 20)
	v.SetDefault("rerank.mode", "relevance")

	v.SetDefault("agents.max_parallel", 6)
	v.SetDefault("agents.max_agents", 6)
	v.SetDefault("agents.default_timeout_ms", 8000)
	v.SetDefault("agents.always_on", []string{"retrieval_helper", "temporal_helper", "legal_framework"})

	v.SetDefault("intent.llm_threshold", 0.55)

	v.SetDefault("overflow.strategy_priority", []string{
		"rerank_and_drop", "summarize", "reduce_agents", "chunked_response",
	})
	v.SetDefault("overflow.min_viable_prompt_tokens", 512)

	v.SetDefault("progress.replay_buffer_size", 256)
	v.SetDefault("progress.replay_ttl_seconds", 600)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.service_name", "auskunft-orchestrator")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")

	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.shutdown_grace_ms", 5000)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL_ID"); v != "" {
		cfg.LLM.ModelID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Progress.RedisAddr = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Observability.Metrics.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("RETRIEVAL_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Retrieval.PerStoreDeadlineMs = n
		}
	}
	if v := os.Getenv("AGENTS_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Agents.MaxParallel = n
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Fusion.Strategy {
	case "rrf", "weighted", "borda":
	default:
		return fmt.Errorf("fusion.strategy %q: must be rrf, weighted or borda", c.Fusion.Strategy)
	}
	switch c.Rerank.Mode {
	case "relevance", "informativeness", "combined":
	default:
		return fmt.Errorf("rerank.mode %q: must be relevance, informativeness or combined", c.Rerank.Mode)
	}
	if c.LLM.ContextWindowTokens <= 0 {
		return fmt.Errorf("llm.context_window_tokens must be positive")
	}
	if c.LLM.ReservedResponseTokens+c.LLM.SafetyMarginTokens >= c.LLM.ContextWindowTokens {
		return fmt.Errorf("reserved response + safety margin (%d) exceed the context window (%d)",
			c.LLM.ReservedResponseTokens+c.LLM.SafetyMarginTokens, c.LLM.ContextWindowTokens)
	}
	if c.Fusion.KRRF <= 0 {
		return fmt.Errorf("fusion.k_rrf must be positive")
	}
	if c.Agents.MaxParallel <= 0 {
		return fmt.Errorf("agents.max_parallel must be positive")
	}
	for _, s := range c.Overflow.StrategyPriority {
		switch s {
		case "rerank_and_drop", "summarize", "reduce_agents", "chunked_response":
		default:
			return fmt.Errorf("overflow.strategy_priority: unknown strategy %q", s)
		}
	}
	if c.Progress.ReplayBufferSize <= 0 {
		return fmt.Errorf("progress.replay_buffer_size must be positive")
	}
	return nil
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}

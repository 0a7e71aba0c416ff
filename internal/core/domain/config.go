package domain

import "time"

// ProviderConfig holds configuration for the model providers
type ProviderConfig struct {
	LLM LLMProviderConfig `json:"llm" yaml:"llm"`
}

// LLMProviderConfig configures the LLM provider
type LLMProviderConfig struct {
	Mode              string  `json:"mode" yaml:"mode" validate:"oneof=local remote"`
	LocalURL          string  `json:"local_url" yaml:"local_url" validate:"omitempty,url"`   // "http://localhost:11434"
	RemoteURL         string  `json:"remote_url" yaml:"remote_url" validate:"omitempty,url"` // "https://api.openai.com/v1"
	APIKey            string  `json:"api_key" yaml:"api_key"`                                // Encrypted in storage
	DefaultModel      string  `json:"default_model" yaml:"default_model" validate:"required"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"` // 0 = unlimited
}

// AgentConfig bounds the reasoning controller.
type AgentConfig struct {
	MaxIterations         int           `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MaxDuration           time.Duration `json:"max_duration" yaml:"max_duration" validate:"gt=0"`
	MaxDecompositionDepth int           `json:"max_decomposition_depth" yaml:"max_decomposition_depth" validate:"gte=0"`
	MaxSubQueries         int           `json:"max_sub_queries" yaml:"max_sub_queries" validate:"gte=1"`
	ToolTimeout           time.Duration `json:"tool_timeout" yaml:"tool_timeout" validate:"gt=0"`
	ModelTimeout          time.Duration `json:"model_timeout" yaml:"model_timeout" validate:"gt=0"`
	MaxContextChars       int           `json:"max_context_chars" yaml:"max_context_chars" validate:"gte=0"`
	Analyzer              string        `json:"analyzer" yaml:"analyzer" validate:"oneof=llm keyword"`
	MaxConcurrentRuns     int           `json:"max_concurrent_runs" yaml:"max_concurrent_runs" validate:"gte=0"` // 0 = unbounded
}

// Budget returns the loop budget part of the agent config.
func (c AgentConfig) Budget() Budget {
	return Budget{MaxIterations: c.MaxIterations, MaxDuration: c.MaxDuration}
}

// KnowledgeConfig points at the material the tools retrieve from.
type KnowledgeConfig struct {
	Subject      string `json:"subject" yaml:"subject" validate:"required"`
	OverviewPath string `json:"overview_path" yaml:"overview_path"`
	SourcesDir   string `json:"sources_dir" yaml:"sources_dir"`
	DocumentsDir string `json:"documents_dir" yaml:"documents_dir"`
	SchemaPath   string `json:"schema_path" yaml:"schema_path"`
	ChunkSize    int    `json:"chunk_size" yaml:"chunk_size" validate:"gte=100"`
	ChunkOverlap int    `json:"chunk_overlap" yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	TopK         int    `json:"top_k" yaml:"top_k" validate:"gte=1"`
}

// StorageConfig locates the DuckDB file.
type StorageConfig struct {
	DBPath string `json:"db_path" yaml:"db_path" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr" validate:"required"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// PlatformConfig controls the container inspector behind the platform_status tool.
type PlatformConfig struct {
	Docker         bool   `json:"docker" yaml:"docker"`
	ComposeProject string `json:"compose_project" yaml:"compose_project"` // empty = every container
}

// TelemetryConfig toggles metrics and trace export.
type TelemetryConfig struct {
	Metrics      bool `json:"metrics" yaml:"metrics"`
	StdoutTraces bool `json:"stdout_traces" yaml:"stdout_traces"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Providers ProviderConfig  `json:"providers" yaml:"providers"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Platform  PlatformConfig  `json:"platform" yaml:"platform"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	budget := DefaultBudget()
	return &AppConfig{
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:         "local",
				LocalURL:     "http://localhost:11434",
				RemoteURL:    "https://api.openai.com/v1",
				DefaultModel: "gemma3:12b",
			},
		},
		Agent: AgentConfig{
			MaxIterations:         budget.MaxIterations,
			MaxDuration:           budget.MaxDuration,
			MaxDecompositionDepth: 1,
			MaxSubQueries:         5,
			ToolTimeout:           20 * time.Second,
			ModelTimeout:          30 * time.Second,
			MaxContextChars:       12000,
			Analyzer:              "llm",
			MaxConcurrentRuns:     4,
		},
		Knowledge: KnowledgeConfig{
			Subject:      "the Quick Loan platform",
			ChunkSize:    1000,
			ChunkOverlap: 100,
			TopK:         4,
		},
		Storage: StorageConfig{
			DBPath: "kb.db",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Platform: PlatformConfig{
			Docker: true,
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

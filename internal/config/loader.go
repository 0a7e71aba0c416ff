package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// Environment variables that override file and stored settings.
const (
	EnvConfigPath    = "KB_CONFIG"
	EnvDBPath        = "KB_DB_PATH"
	EnvAddr          = "KB_ADDR"
	EnvOllamaHost    = "OLLAMA_HOST"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvModel         = "KB_MODEL"
	EnvAnalyzer      = "KB_ANALYZER"
	EnvLogLevel      = "KB_LOG_LEVEL"
	EnvMaxIterations = "KB_MAX_ITERATIONS"
	EnvMaxDuration   = "KB_MAX_DURATION"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var configValidator = validator.New()

// Load builds the file configuration: defaults overlaid with the YAML file at
// path (or $KB_CONFIG). A missing file is not an error when the path came from
// the environment.
func Load(path string) (*domain.AppConfig, error) {
	cfg := domain.DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. Unparsable numeric values are ignored.
func ApplyEnv(cfg *domain.AppConfig, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvDBPath)); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := strings.TrimSpace(getenv(EnvAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvOllamaHost)); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		cfg.Providers.LLM.LocalURL = v
	}
	if v := strings.TrimSpace(getenv(EnvOpenAIKey)); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvModel)); v != "" {
		cfg.Providers.LLM.DefaultModel = v
	}
	if v := strings.TrimSpace(getenv(EnvAnalyzer)); v != "" {
		cfg.Agent.Analyzer = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv(EnvMaxIterations); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = i
		}
	}
	if v := getenv(EnvMaxDuration); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.MaxDuration = d
		}
	}
}

// Validate checks cfg against its struct tags.
func Validate(cfg *domain.AppConfig) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Resolve runs Load, ApplyEnv and Validate in order.
func Resolve(path string) (*domain.AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

const settingsKey = "llm_provider"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages the runtime-editable part of the configuration (the
// LLM provider) on top of the file/env configuration. Secrets are encrypted
// at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	keys     *Keyring
	repo     SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore overlays persisted provider settings onto base, then
// re-applies getenv so the environment keeps the last word. Without saved
// settings, base is used as is. getenv may be nil.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, keys *Keyring, base *domain.AppConfig, getenv func(string) string) *SettingsStore {
	store := &SettingsStore{
		logger: logger,
		keys:   keys,
		repo:   repo,
	}

	cp := *base
	if llm, stale, err := store.loadFromDB(ctx); err != nil {
		logger.Debug("no saved provider settings, using file configuration", "error", err)
	} else {
		if stale {
			store.reseal(ctx, *llm)
		}
		if llm.APIKey == "" {
			llm.APIKey = base.Providers.LLM.APIKey
		}
		cp.Providers.LLM = *llm
		if getenv != nil {
			ApplyEnv(&cp, getenv)
		}
	}
	store.config = &cp
	return store
}

// OnChange registers a callback for when settings are updated.
// Used by the kernel to hot-swap the model provider.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns a copy of the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API response (secrets masked).
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	cp := s.GetConfig()
	cp.Providers.LLM.APIKey = MaskSecret(cp.Providers.LLM.APIKey)
	return cp
}

// UpdateProvider validates, encrypts secrets, persists, and triggers onChange callbacks.
// An empty or masked api_key keeps the existing key.
func (s *SettingsStore) UpdateProvider(ctx context.Context, update domain.LLMProviderConfig) error {
	s.mu.Lock()

	if update.APIKey == "" || isMasked(update.APIKey) {
		update.APIKey = s.config.Providers.LLM.APIKey
	}
	if update.Mode == "" {
		update.Mode = "local"
	}

	next := *s.config
	next.Providers.LLM = update
	if err := Validate(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if update.Mode == "remote" && update.APIKey == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: llm api_key is required when mode=remote", ErrInvalidConfig)
	}

	if err := s.saveToDB(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}

	s.config = &next
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated", "llm_mode", update.Mode, "model", update.DefaultModel)

	cp := next
	for _, fn := range callbacks {
		fn(&cp)
	}
	return nil
}

// loadFromDB reads the saved provider settings. stale reports an API key
// that is not sealed with the current key.
func (s *SettingsStore) loadFromDB(ctx context.Context) (cfg *domain.LLMProviderConfig, stale bool, err error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, fmt.Errorf("empty %s setting", settingsKey)
	}

	var stored storedProviderConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg = &domain.LLMProviderConfig{
		Mode:              stored.Mode,
		LocalURL:          stored.LocalURL,
		RemoteURL:         stored.RemoteURL,
		DefaultModel:      stored.DefaultModel,
		RequestsPerSecond: stored.RequestsPerSecond,
	}

	key, stale, err := s.keys.Open(settingsKey, stored.EncryptedAPIKey)
	if err != nil {
		s.logger.Warn("failed to decrypt LLM API key", "key_id", s.keys.KeyID(), "error", err)
		return cfg, false, nil
	}
	cfg.APIKey = key
	return cfg, stale, nil
}

// reseal stores cfg again so its API key is sealed with the current key.
func (s *SettingsStore) reseal(ctx context.Context, cfg domain.LLMProviderConfig) {
	if err := s.saveToDB(ctx, cfg); err != nil {
		s.logger.Warn("failed to re-seal LLM API key", "error", err)
		return
	}
	s.logger.Info("re-sealed stored LLM API key", "key_id", s.keys.KeyID())
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg domain.LLMProviderConfig) error {
	stored := storedProviderConfig{
		Mode:              cfg.Mode,
		LocalURL:          cfg.LocalURL,
		RemoteURL:         cfg.RemoteURL,
		DefaultModel:      cfg.DefaultModel,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}

	if cfg.APIKey != "" {
		enc, err := s.keys.Seal(settingsKey, cfg.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt LLM API key: %w", err)
		}
		stored.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedProviderConfig is the DB representation with encrypted fields
type storedProviderConfig struct {
	Mode              string  `json:"mode"`
	LocalURL          string  `json:"local_url"`
	RemoteURL         string  `json:"remote_url"`
	EncryptedAPIKey   string  `json:"encrypted_api_key,omitempty"`
	DefaultModel      string  `json:"default_model"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
}

// MaskSecret returns a form safe for API display: "****abcd".
func MaskSecret(secret string) string {
	r := []rune(secret)
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 4:
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}

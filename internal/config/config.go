package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stage holds the tick cadence and emission threshold of one stage. Zero
// values fall back to the stage defaults.
type Stage struct {
	IntervalSeconds float64 `json:"interval_seconds"`
	Threshold       int     `json:"threshold"`
}

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Agent    string `json:"agent"`
	LLM      struct {
		Provider      string  `json:"provider"`
		BaseURL       string  `json:"base_url"`
		APIKey        string  `json:"api_key"`
		Model         string  `json:"model"`
		ChatModel     string  `json:"chat_model"`
		MaxTokens     int     `json:"max_tokens"`
		Temperature   float32 `json:"temperature"`
		MaxConcurrent int     `json:"max_concurrent"`
		RetryAttempts int     `json:"retry_attempts"`
	} `json:"llm"`
	Bus struct {
		Capacity int `json:"capacity"`
	} `json:"bus"`
	Wits struct {
		Quick     Stage `json:"quick"`
		Moment    Stage `json:"moment"`
		Situation Stage `json:"situation"`
		Episode   Stage `json:"episode"`
		Identity  Stage `json:"identity"`
		Will      Stage `json:"will"`
	} `json:"wits"`
	Voice struct {
		SystemPrompt     string `json:"system_prompt"`
		MaxHistoryTokens int    `json:"max_history_tokens"`
		NarrativeTokens  int    `json:"narrative_tokens"`
	} `json:"voice"`
	Memory struct {
		Backend   string `json:"backend"`
		TimeoutMS int    `json:"timeout_ms"`
	} `json:"memory"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Debug struct {
		Labels []string `json:"labels"`
	} `json:"debug"`
	Heartbeat struct {
		Schedule string `json:"schedule"`
	} `json:"heartbeat"`
}

// DefaultPath is ~/.psyche/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".psyche", "config.json")
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".psyche"),
		LogLevel: "info",
		Agent:    "Pete",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxConcurrent = 4
	cfg.LLM.RetryAttempts = 2
	cfg.Bus.Capacity = 256
	cfg.Voice.MaxHistoryTokens = 2000
	cfg.Voice.NarrativeTokens = 1024
	cfg.Memory.Backend = "jsonl"
	cfg.Memory.TimeoutMS = 2000
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:7878"
	cfg.Heartbeat.Schedule = "@every 1m"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if level := os.Getenv("PSYCHE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every key of cfg in dot notation, optionally masking
// secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-notation key from the config file at path.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one dot-notation key in the config file at path. The value
// is parsed as JSON when possible and kept as a string otherwise. The result
// must still decode into a Config.
func SetValue(path, key, value string) error {
	if _, err := Load(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	flat := Flatten(m)
	flat[key] = parseValue(value)

	merged, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(merged, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeRaw(path, Unflatten(flat))
}

func writeRaw(path string, m map[string]any) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

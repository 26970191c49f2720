package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/formatter"
)

const (
	DefaultPort           = 6971
	DefaultHost           = "127.0.0.1"
	DefaultLogLevel       = "info"
	DefaultProvider       = "anthropic"
	DefaultYAMLFilename   = "config.yaml"
	DefaultTOMLFilename   = "config.toml"
	DefaultConfigFilename = "config.json"
)

// ErrNoConfig is returned by Load when none of the config files exist.
var ErrNoConfig = errors.New("no config file found")

// Capabilities overrides the built-in capabilities of a provider or model.
// Unset fields keep the built-in value.
type Capabilities struct {
	Vision        *bool    `json:"vision,omitempty" yaml:"vision,omitempty" toml:"vision,omitempty"`
	Files         *bool    `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	FileMIMETypes []string `json:"file_mime_types,omitempty" yaml:"file_mime_types,omitempty" toml:"file_mime_types,omitempty"`
	SystemRole    *bool    `json:"system_role,omitempty" yaml:"system_role,omitempty" toml:"system_role,omitempty"`
	Tools         *bool    `json:"tools,omitempty" yaml:"tools,omitempty" toml:"tools,omitempty"`
}

func (c Capabilities) override() capability.Override {
	return capability.Override{
		Vision:        c.Vision,
		Files:         c.Files,
		FileMIMETypes: c.FileMIMETypes,
		SystemRole:    c.SystemRole,
		Tools:         c.Tools,
	}
}

// ModelOverride applies to models whose name matches Pattern (doublestar glob).
type ModelOverride struct {
	Pattern      string       `json:"pattern" yaml:"pattern" toml:"pattern"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
}

type Provider struct {
	Name         string          `json:"name" yaml:"name" toml:"name"`
	Formatter    string          `json:"formatter,omitempty" yaml:"formatter,omitempty" toml:"formatter,omitempty"`
	Capabilities Capabilities    `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`
	Models       []ModelOverride `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`
}

type Config struct {
	Host            string     `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port            int        `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	LogLevel        string     `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	DefaultProvider string     `json:"default_provider,omitempty" yaml:"default_provider,omitempty" toml:"default_provider,omitempty"`
	Providers       []Provider `json:"providers,omitempty" yaml:"providers,omitempty" toml:"providers,omitempty"`
}

// Default returns a config with every default applied and no provider overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.DefaultProvider == "" {
		c.DefaultProvider = DefaultProvider
	}

	for i := range c.Providers {
		c.Providers[i].Name = strings.ToLower(strings.TrimSpace(c.Providers[i].Name))
		c.Providers[i].Formatter = strings.ToLower(strings.TrimSpace(c.Providers[i].Formatter))
	}
}

// Validate checks the config for values the service cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	seen := make(map[string]bool, len(c.Providers))

	for i, p := range c.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}

		if seen[name] {
			return fmt.Errorf("provider %q: defined more than once", name)
		}

		seen[name] = true
	}

	bindings, err := c.Bindings()
	if err != nil {
		return err
	}

	if _, err := c.Rules(); err != nil {
		return err
	}

	if _, ok := bindings[strings.ToLower(c.DefaultProvider)]; !ok {
		return fmt.Errorf("default provider %q is not configured", c.DefaultProvider)
	}

	return nil
}

// Bindings returns the provider to formatter mapping: the built-in bindings
// with the configured providers layered on top.
func (c *Config) Bindings() (map[string]string, error) {
	bindings := formatter.DefaultBindings()

	for _, p := range c.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		dialect := strings.ToLower(strings.TrimSpace(p.Formatter))

		if dialect == "" {
			if _, ok := bindings[name]; !ok {
				return nil, fmt.Errorf("provider %q: formatter is required for providers without a built-in binding", name)
			}

			continue
		}

		switch dialect {
		case formatter.DialectAnthropic, formatter.DialectAISDK, formatter.DialectOpenAI, formatter.DialectGemini:
		default:
			return nil, fmt.Errorf("provider %q: unknown formatter %q", name, p.Formatter)
		}

		bindings[name] = dialect
	}

	return bindings, nil
}

// Rules builds the capability rules: built-in defaults, then provider level
// overrides, then model overrides appended after the built-in ones so they win.
func (c *Config) Rules() (*capability.Rules, error) {
	providers := capability.DefaultProviderRules()

	for _, p := range c.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))

		pr, ok := providers[name]
		if !ok {
			pr = capability.ProviderRules{Defaults: capability.Capabilities{SystemRole: true, Tools: true}}
		}

		pr.Defaults = p.Capabilities.override().Apply(pr.Defaults)

		for _, m := range p.Models {
			pr.Models = append(pr.Models, capability.ModelRule{Pattern: m.Pattern, Override: m.Capabilities.override()})
		}

		providers[name] = pr
	}

	rules, err := capability.NewRules(providers)
	if err != nil {
		return nil, fmt.Errorf("build capability rules: %w", err)
	}

	return rules, nil
}

type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

func (m *Manager) candidates() []string {
	return []string{
		filepath.Join(m.baseDir, DefaultYAMLFilename),
		filepath.Join(m.baseDir, DefaultTOMLFilename),
		filepath.Join(m.baseDir, DefaultConfigFilename),
	}
}

// Load reads the first existing file of config.yaml, config.toml and
// config.json, applies defaults and validates the result.
func (m *Manager) Load() (*Config, error) {
	for _, path := range m.candidates() {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		cfg, err := decode(path, data)
		if err != nil {
			return nil, err
		}

		cfg.applyDefaults()

		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
		}

		m.configValue.Store(cfg)

		return cfg, nil
	}

	return nil, fmt.Errorf("%w in %s", ErrNoConfig, m.baseDir)
}

func decode(path string, data []byte) (*Config, error) {
	var cfg Config

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal YAML config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal TOML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	return &cfg, nil
}

// Get returns the loaded config, loading it on first use. A missing or broken
// config yields the defaults.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return Default()
	}

	return cfg
}

// Save writes cfg as YAML.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(m.baseDir, DefaultYAMLFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

// GetPath returns the config file Load reads, or the YAML path when none exists.
func (m *Manager) GetPath() string {
	for _, path := range m.candidates() {
		if fileExists(path) {
			return path
		}
	}

	return filepath.Join(m.baseDir, DefaultYAMLFilename)
}

func (m *Manager) HasYAML() bool {
	return fileExists(filepath.Join(m.baseDir, DefaultYAMLFilename))
}

func (m *Manager) HasTOML() bool {
	return fileExists(filepath.Join(m.baseDir, DefaultTOMLFilename))
}

func (m *Manager) HasJSON() bool {
	return fileExists(filepath.Join(m.baseDir, DefaultConfigFilename))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Exists reports whether any supported config file is present.
func (m *Manager) Exists() bool {
	return m.HasYAML() || m.HasTOML() || m.HasJSON()
}

// CreateExampleYAML writes a commented starting config.
func (m *Manager) CreateExampleYAML() error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(m.baseDir, DefaultYAMLFilename)
	if err := os.WriteFile(path, []byte(exampleYAML), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

const exampleYAML = `# msgbridge configuration
host: 127.0.0.1
port: 6971
log_level: info

# Provider used when a request does not name one.
default_provider: anthropic

# Providers extend or override the built-in table. Built-in providers:
# anthropic, openai, openrouter, nvidia, deepseek, gemini, google, ai-sdk,
# mistral, groq, xai. Formatters: anthropic, openai, gemini, ai-sdk.
providers:
  - name: openrouter
    capabilities:
      file_mime_types: [application/pdf]
    models:
      - pattern: "**/*-vl-*"
        capabilities:
          vision: true
  - name: local
    formatter: openai
    capabilities:
      vision: false
      files: false
`

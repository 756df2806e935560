package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SandboxConfig controls container routing for tools whose execution
// policy permits sandboxing.
type SandboxConfig struct {
	// Mode is "off" or "all". Under "all", every tool whose policy is not
	// host_only runs in a container.
	Mode               string `yaml:"mode"`
	Backend            string `yaml:"backend"`
	Image              string `yaml:"image"`
	ContainerPrefix    string `yaml:"container_prefix"`
	NoNetwork          bool   `yaml:"no_network"`
	RequireRuntime     bool   `yaml:"require_runtime"`
	MountAllowlistPath string `yaml:"mount_allowlist_path"`
}

// ChannelConfig holds per-channel adapter settings. The core only reads
// Enabled and ReplyToAll; adapter-specific keys pass through Extra.
type ChannelConfig struct {
	Enabled    bool              `yaml:"enabled"`
	ReplyToAll bool              `yaml:"reply_to_all"`
	Extra      map[string]string `yaml:",inline"`
}

type HooksConfig struct {
	Dir            string `yaml:"dir"`
	MaxInputBytes  int    `yaml:"max_input_bytes"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

type Config struct {
	// DataDir is resolved at load time; everything durable lives under it.
	DataDir string `yaml:"data_dir"`

	LLMProvider string `yaml:"llm_provider"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	LLMBaseURL  string `yaml:"llm_base_url"`
	MaxTokens   int    `yaml:"max_tokens"`

	WorkingDir          string `yaml:"working_dir"`
	WorkingDirIsolation string `yaml:"working_dir_isolation"` // "chat" or "shared"

	MaxToolIterations  int `yaml:"max_tool_iterations"`
	MaxSessionMessages int `yaml:"max_session_messages"`
	CompactKeepRecent  int `yaml:"compact_keep_recent"`
	MaxHistoryMessages int `yaml:"max_history_messages"`

	MemoryTokenBudget     int     `yaml:"memory_token_budget"`
	MemoryMinChars        int     `yaml:"memory_min_chars"`
	MemoryConfidenceFloor float64 `yaml:"memory_confidence_floor"`
	ReflectorEnabled      bool    `yaml:"reflector_enabled"`
	ReflectorIntervalMins int     `yaml:"reflector_interval_mins"`
	EmbeddingProvider     string  `yaml:"embedding_provider"`
	EmbeddingModel        string  `yaml:"embedding_model"`
	EmbeddingBaseURL      string  `yaml:"embedding_base_url"`
	EmbeddingAPIKey       string  `yaml:"embedding_api_key"`
	EmbeddingDim          int     `yaml:"embedding_dim"`

	ControlChatIDs []int64 `yaml:"control_chat_ids"`

	DefaultToolTimeoutSecs       int            `yaml:"default_tool_timeout_secs"`
	ToolTimeoutOverrides         map[string]int `yaml:"tool_timeout_overrides"`
	DefaultMCPRequestTimeoutSecs int            `yaml:"default_mcp_request_timeout_secs"`

	WebEnabled bool   `yaml:"web_enabled"`
	WebHost    string `yaml:"web_host"`
	WebPort    int    `yaml:"web_port"`

	Sandbox  SandboxConfig            `yaml:"sandbox"`
	Hooks    HooksConfig              `yaml:"hooks"`
	Channels map[string]ChannelConfig `yaml:"channels"`

	BotName               string `yaml:"bot_name"`
	SoulFile              string `yaml:"soul_file"`
	Timezone              string `yaml:"timezone"`
	LogLevel              string `yaml:"log_level"`
	SchedulerTickSecs     int    `yaml:"scheduler_tick_secs"`
	PathAllowlistFile     string `yaml:"path_allowlist_file"`
	OTELExporter          string `yaml:"otel_exporter"` // "", "stdout", "otlp"
	SessionIdleExpiryMins int    `yaml:"session_idle_expiry_mins"`

	// SOUL holds the resolved persona text. Not serialized.
	SOUL string `yaml:"-"`
}

const ConfigFileName = "microclaw.config.yaml"

// DefaultDataDir resolves the data directory: MICROCLAW_HOME env override,
// else ~/.microclaw.
func DefaultDataDir() string {
	if override := os.Getenv("MICROCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".microclaw")
}

func defaultConfig() Config {
	return Config{
		LLMProvider:                  "anthropic",
		Model:                        "claude-sonnet-4-20250514",
		MaxTokens:                    8192,
		WorkingDirIsolation:          "chat",
		MaxToolIterations:            100,
		MaxSessionMessages:           40,
		CompactKeepRecent:            20,
		MaxHistoryMessages:           50,
		MemoryTokenBudget:            1500,
		MemoryMinChars:               8,
		MemoryConfidenceFloor:        0.3,
		ReflectorEnabled:             true,
		ReflectorIntervalMins:        15,
		DefaultToolTimeoutSecs:       60,
		DefaultMCPRequestTimeoutSecs: 30,
		WebEnabled:                   true,
		WebHost:                      "127.0.0.1",
		WebPort:                      18789,
		BotName:                      "microclaw",
		LogLevel:                     "info",
		Timezone:                     "Local",
		SchedulerTickSecs:            60,
		SessionIdleExpiryMins:        7 * 24 * 60,
		Sandbox: SandboxConfig{
			Mode:            "off",
			Backend:         "docker",
			Image:           "alpine:3.20",
			ContainerPrefix: "microclaw-sbx",
		},
		Hooks: HooksConfig{
			MaxInputBytes:  128 * 1024,
			MaxOutputBytes: 64 * 1024,
		},
	}
}

// Load reads microclaw.config.yaml from dataDir (created if absent),
// applies env overrides, resolves the SOUL file, and validates.
func Load(dataDir string) (Config, error) {
	cfg := defaultConfig()
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	cfg.DataDir = dataDir

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
	}
	cfg.DataDir = dataDir

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	loadSoul(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLMProvider == "anthropic" && cfg.APIKey == "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLMProvider == "openai" && cfg.APIKey == "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("MICROCLAW_WEB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.WebPort = p
		}
	}
	if v := os.Getenv("MICROCLAW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Join(cfg.DataDir, "work")
	}
	if cfg.WorkingDirIsolation != "shared" {
		cfg.WorkingDirIsolation = "chat"
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 100
	}
	if cfg.MaxSessionMessages <= 0 {
		cfg.MaxSessionMessages = 40
	}
	if cfg.CompactKeepRecent <= 0 || cfg.CompactKeepRecent >= cfg.MaxSessionMessages {
		cfg.CompactKeepRecent = 20
		if cfg.CompactKeepRecent >= cfg.MaxSessionMessages {
			cfg.CompactKeepRecent = cfg.MaxSessionMessages / 2
		}
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 50
	}
	if cfg.MemoryTokenBudget <= 0 {
		cfg.MemoryTokenBudget = 1500
	}
	if cfg.BotName == "" {
		cfg.BotName = "microclaw"
	}
	if cfg.MemoryMinChars <= 0 {
		cfg.MemoryMinChars = 8
	}
	if cfg.MemoryConfidenceFloor <= 0 {
		cfg.MemoryConfidenceFloor = 0.3
	}
	if cfg.ReflectorIntervalMins <= 0 {
		cfg.ReflectorIntervalMins = 15
	}
	if cfg.DefaultToolTimeoutSecs <= 0 {
		cfg.DefaultToolTimeoutSecs = 60
	}
	if cfg.DefaultMCPRequestTimeoutSecs <= 0 {
		cfg.DefaultMCPRequestTimeoutSecs = 30
	}
	if cfg.WebHost == "" {
		cfg.WebHost = "127.0.0.1"
	}
	if cfg.WebPort <= 0 {
		cfg.WebPort = 18789
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.SchedulerTickSecs <= 0 {
		cfg.SchedulerTickSecs = 60
	}
	if cfg.SessionIdleExpiryMins <= 0 {
		cfg.SessionIdleExpiryMins = 7 * 24 * 60
	}
	if cfg.Sandbox.Mode != "all" {
		cfg.Sandbox.Mode = "off"
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "docker"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "alpine:3.20"
	}
	if cfg.Sandbox.ContainerPrefix == "" {
		cfg.Sandbox.ContainerPrefix = "microclaw-sbx"
	}
	if cfg.Hooks.Dir == "" {
		cfg.Hooks.Dir = filepath.Join(cfg.DataDir, "hooks")
	}
	if cfg.Hooks.MaxInputBytes <= 0 {
		cfg.Hooks.MaxInputBytes = 128 * 1024
	}
	if cfg.Hooks.MaxOutputBytes <= 0 {
		cfg.Hooks.MaxOutputBytes = 64 * 1024
	}
}

// loadSoul resolves the persona file in order: explicit soul_file path,
// data_dir/SOUL.md, ./SOUL.md.
func loadSoul(cfg *Config) {
	candidates := []string{}
	if cfg.SoulFile != "" {
		candidates = append(candidates, cfg.SoulFile)
	}
	candidates = append(candidates,
		filepath.Join(cfg.DataDir, "SOUL.md"),
		"SOUL.md",
	)
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			cfg.SOUL = string(data)
			return
		}
	}
}

func validate(cfg Config) error {
	switch cfg.LLMProvider {
	case "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("unknown llm_provider %q", cfg.LLMProvider)
	}
	if cfg.CompactKeepRecent >= cfg.MaxSessionMessages {
		return fmt.Errorf("compact_keep_recent (%d) must be < max_session_messages (%d)",
			cfg.CompactKeepRecent, cfg.MaxSessionMessages)
	}
	if cfg.Sandbox.Mode == "all" && cfg.Sandbox.Backend != "docker" {
		return fmt.Errorf("unsupported sandbox backend %q", cfg.Sandbox.Backend)
	}
	return nil
}

// RuntimeDir is where the database, group memory, and hook state live.
func (c Config) RuntimeDir() string {
	return filepath.Join(c.DataDir, "runtime")
}

// DatabasePath returns the SQLite file path.
func (c Config) DatabasePath() string {
	return filepath.Join(c.RuntimeDir(), "microclaw.db")
}

// GroupDir returns the per-chat memory directory.
func (c Config) GroupDir(chatID int64) string {
	return filepath.Join(c.RuntimeDir(), "groups", strconv.FormatInt(chatID, 10))
}

// SkillsDir returns the instruction-skills root.
func (c Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// HooksStatePath returns the persisted hook-state file.
func (c Config) HooksStatePath() string {
	return filepath.Join(c.RuntimeDir(), "hooks_state.json")
}

// MCPConfigPath returns the MCP server declaration file.
func (c Config) MCPConfigPath() string {
	return filepath.Join(c.DataDir, "mcp.json")
}

// ChatWorkingDir resolves the working directory partition for a chat.
func (c Config) ChatWorkingDir(channel string, chatID int64) string {
	if c.WorkingDirIsolation == "shared" {
		return filepath.Join(c.WorkingDir, "shared")
	}
	return filepath.Join(c.WorkingDir, "chat", channel, strconv.FormatInt(chatID, 10))
}

// IsControlChat reports whether the chat may perform cross-chat actions.
func (c Config) IsControlChat(chatID int64) bool {
	for _, id := range c.ControlChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// ToolTimeoutSecs resolves the timeout for a named tool:
// per-tool override > default.
func (c Config) ToolTimeoutSecs(tool string) int {
	if c.ToolTimeoutOverrides != nil {
		if v, ok := c.ToolTimeoutOverrides[tool]; ok && v > 0 {
			return v
		}
	}
	return c.DefaultToolTimeoutSecs
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|web=%s:%d|sandbox=%s|iso=%s",
		c.LLMProvider, c.Model, c.WebHost, c.WebPort, c.Sandbox.Mode, c.WorkingDirIsolation)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to disk, preserving unknown keys.
func Save(cfg Config) error {
	path := filepath.Join(cfg.DataDir, ConfigFileName)
	raw := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse existing %s: %w", ConfigFileName, err)
		}
	}
	// Re-marshal the struct and overlay onto the raw map so keys we do not
	// model survive a round trip.
	own, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	ownMap := make(map[string]interface{})
	if err := yaml.Unmarshal(own, &ownMap); err != nil {
		return fmt.Errorf("remarshal config: %w", err)
	}
	for k, v := range ownMap {
		raw[k] = v
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ConfigFileName, err)
	}
	return os.WriteFile(path, out, 0o644)
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// ProviderConfig carries per-provider credentials and overrides.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	Auth    string `json:"auth,omitempty"` // "api-key" | "oauth" | "oauth-then-api-key" | "api-key-then-oauth"
}

// Config is the merged, layered configuration for one agentd process.
type Config struct {
	// DefaultProvider/DefaultModel select the adapter used when a turn
	// request omits an explicit provider/model.
	DefaultProvider string                    `json:"defaultProvider,omitempty"`
	DefaultModel    string                    `json:"defaultModel,omitempty"`
	Provider        map[string]ProviderConfig `json:"provider,omitempty"`

	// WorkspaceRoot bounds every session's working directory (I4).
	WorkspaceRoot string `json:"workspaceRoot,omitempty"`

	// IdleEviction is how long a session may sit idle before it is
	// dropped from memory (I7). Zero means use the 60-minute default.
	IdleEviction time.Duration `json:"idleEviction,omitempty"`

	// Bash execution limits (§4.5, §5).
	BashTimeout   time.Duration `json:"bashTimeout,omitempty"`
	BashOutputCap int           `json:"bashOutputCap,omitempty"`
	ToolOutputCap int           `json:"toolOutputCap,omitempty"`

	// BashAutoApprove lists wildcard command patterns ("git *", "npm
	// run *") that auto-approve under auto mode without asking (§4.2).
	BashAutoApprove []string `json:"bashAutoApprove,omitempty"`

	// PushTarget is the fire-and-forget push dispatcher endpoint (§4.10, §6).
	PushTarget string `json:"pushTarget,omitempty"`

	// ListenAddr is the HTTP+WS bind address.
	ListenAddr string `json:"listenAddr,omitempty"`

	// MCPContextCommand, if set, is an MCP server (stdio transport) the
	// project-context loader queries for supplementary context before
	// falling back to AGENTS.md/CLAUDE.md (§6). MCPContextArgs are its
	// arguments; MCPContextTool names the tool to call (default
	// "project_context").
	MCPContextCommand string   `json:"mcpContextCommand,omitempty"`
	MCPContextArgs    []string `json:"mcpContextArgs,omitempty"`
	MCPContextTool    string   `json:"mcpContextTool,omitempty"`
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentd/config.jsonc)
// 2. Project config (<directory>/.agentd.jsonc)
// 3. Environment variables (+ .env in directory, if present)
func Load(directory string) (*Config, error) {
	cfg := &Config{
		Provider: make(map[string]ProviderConfig),
	}

	loadConfigFile(GlobalConfigPath(), cfg)
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
		loadConfigFile(ProjectConfigPath(directory), cfg)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.IdleEviction == 0 {
		cfg.IdleEviction = 60 * time.Minute
	}
	if cfg.BashTimeout == 0 {
		cfg.BashTimeout = 30 * time.Second
	}
	if cfg.BashOutputCap == 0 {
		cfg.BashOutputCap = 100 * 1024
	}
	if cfg.ToolOutputCap == 0 {
		cfg.ToolOutputCap = 50 * 1024
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4096"
	}
}

func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file doesn't exist, skip
	}

	data = stripJSONComments(data)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return
	}

	mergeConfig(cfg, &fileConfig)
}

// stripJSONComments removes // and /* */ comments from JSONC input so
// the result parses with encoding/json.
func stripJSONComments(data []byte) []byte {
	return jsonc.ToJSON(data)
}

func mergeConfig(target, source *Config) {
	if source.DefaultProvider != "" {
		target.DefaultProvider = source.DefaultProvider
	}
	if source.DefaultModel != "" {
		target.DefaultModel = source.DefaultModel
	}
	if source.WorkspaceRoot != "" {
		target.WorkspaceRoot = source.WorkspaceRoot
	}
	if source.IdleEviction != 0 {
		target.IdleEviction = source.IdleEviction
	}
	if source.BashTimeout != 0 {
		target.BashTimeout = source.BashTimeout
	}
	if source.BashOutputCap != 0 {
		target.BashOutputCap = source.BashOutputCap
	}
	if source.ToolOutputCap != 0 {
		target.ToolOutputCap = source.ToolOutputCap
	}
	if source.PushTarget != "" {
		target.PushTarget = source.PushTarget
	}
	if source.BashAutoApprove != nil {
		target.BashAutoApprove = source.BashAutoApprove
	}
	if source.MCPContextCommand != "" {
		target.MCPContextCommand = source.MCPContextCommand
		target.MCPContextArgs = source.MCPContextArgs
	}
	if source.MCPContextTool != "" {
		target.MCPContextTool = source.MCPContextTool
	}
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if cfg.Provider == nil {
				cfg.Provider = make(map[string]ProviderConfig)
			}
			p := cfg.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				cfg.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("AGENTD_MODEL"); model != "" {
		cfg.DefaultModel = model
	}
	if provider := os.Getenv("AGENTD_PROVIDER"); provider != "" {
		cfg.DefaultProvider = provider
	}
	if addr := os.Getenv("AGENTD_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if root := os.Getenv("AGENTD_WORKSPACE_ROOT"); root != "" {
		cfg.WorkspaceRoot = root
	}
	if target := os.Getenv("AGENTD_PUSH_TARGET"); target != "" {
		cfg.PushTarget = target
	}
}

// Save writes the configuration to a file, creating parent directories.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

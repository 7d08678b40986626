package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-plugbot/internal/otel"
	"gopkg.in/yaml.v3"
)

type BlacklistConfig struct {
	Enabled      bool   `yaml:"enabled"`
	GroupEnabled bool   `yaml:"group_enabled"`
	UserFile     string `yaml:"user_file"`
	GroupFile    string `yaml:"group_file"`
	// ReloadSeconds bounds how stale the in-memory blacklist may get.
	ReloadSeconds int `yaml:"reload_s"`
}

type PluginsConfig struct {
	Dirs []string `yaml:"dirs"`
	// RefreshIntervalMillis rate-limits the rescan triggered by dispatch.
	RefreshIntervalMillis int  `yaml:"refresh_interval_ms"`
	RetireIntervalSeconds int  `yaml:"retire_interval_s"`
	Watch                 bool `yaml:"watch"`
	PatternCacheSize      int  `yaml:"pattern_cache_size"`
	// MatchTimeoutMillis caps a single regex evaluation.
	MatchTimeoutMillis int `yaml:"match_timeout_ms"`
	// LoadTimeoutMillis caps top-level execution of one plugin file.
	LoadTimeoutMillis int `yaml:"load_timeout_ms"`
}

type SchedulerConfig struct {
	PoolSize             int `yaml:"pool_size"`
	SoftTimeoutMillis    int `yaml:"soft_timeout_ms"`
	HardTimeoutSeconds   int `yaml:"hard_timeout_s"`
	SweepIntervalSeconds int `yaml:"sweep_interval_s"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	OwnerIDs        []string `yaml:"owner_ids"`
	MaintenanceMode bool     `yaml:"maintenance_mode"`

	SendDefaultResponse             bool     `yaml:"send_default_response"`
	DefaultResponseExcludedPatterns []string `yaml:"default_response_excluded_patterns"`

	// SelfIDCommands stay reachable for blacklisted users so they can look up
	// their own id when appealing.
	SelfIDCommands []string `yaml:"self_id_commands"`

	Blacklist BlacklistConfig `yaml:"blacklist"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Templates overrides notifier texts by kind ("maintenance", "owner_only", ...).
	Templates map[string]string `yaml:"templates"`

	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	NeedsGenesis bool `yaml:"-"`
}

// IsOwner reports whether userID is in the owner set.
func (c Config) IsOwner(userID string) bool {
	return userID != "" && slices.Contains(c.OwnerIDs, userID)
}

// IsSelfIDCommand reports whether the trimmed raw content is a reserved
// self-identification command.
func (c Config) IsSelfIDCommand(raw string) bool {
	return slices.Contains(c.SelfIDCommands, strings.TrimSpace(raw))
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Plugins.RefreshIntervalMillis) * time.Millisecond
}

func (c Config) RetireInterval() time.Duration {
	return time.Duration(c.Plugins.RetireIntervalSeconds) * time.Second
}

func (c Config) MatchTimeout() time.Duration {
	return time.Duration(c.Plugins.MatchTimeoutMillis) * time.Millisecond
}

func (c Config) LoadTimeout() time.Duration {
	return time.Duration(c.Plugins.LoadTimeoutMillis) * time.Millisecond
}

func (c Config) BlacklistReload() time.Duration {
	return time.Duration(c.Blacklist.ReloadSeconds) * time.Second
}

func (c Config) SoftTimeout() time.Duration {
	return time.Duration(c.Scheduler.SoftTimeoutMillis) * time.Millisecond
}

func (c Config) HardTimeout() time.Duration {
	return time.Duration(c.Scheduler.HardTimeoutSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Scheduler.SweepIntervalSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetMaintenance flips maintenance_mode in config.yaml, preserving other settings.
func SetMaintenance(homeDir string, enabled bool) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["maintenance_mode"] = enabled
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the routing-relevant settings.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "owners=%v|maint=%t|default=%t|bl=%t/%t|dirs=%v|pool=%d|soft=%d|hard=%d",
		c.OwnerIDs, c.MaintenanceMode, c.SendDefaultResponse, c.Blacklist.Enabled, c.Blacklist.GroupEnabled,
		c.Plugins.Dirs, c.Scheduler.PoolSize, c.Scheduler.SoftTimeoutMillis, c.Scheduler.HardTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		SelfIDCommands: []string{"myid", "/myid"},
		Blacklist: BlacklistConfig{
			Enabled:       true,
			GroupEnabled:  true,
			ReloadSeconds: 60,
		},
		Plugins: PluginsConfig{
			RefreshIntervalMillis: 2000,
			RetireIntervalSeconds: 30,
			Watch:                 true,
			PatternCacheSize:      512,
			MatchTimeoutMillis:    100,
			LoadTimeoutMillis:     5000,
		},
		Scheduler: SchedulerConfig{
			PoolSize:             100,
			SoftTimeoutMillis:    3000,
			HardTimeoutSeconds:   300,
			SweepIntervalSeconds: 30,
		},
		DrainTimeoutSeconds: 5,
	}
}

func HomeDir() string {
	if override := os.Getenv("PLUGBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".plugbot")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml on top of the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create plugbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Plugins.Dirs) == 0 {
		cfg.Plugins.Dirs = []string{filepath.Join(cfg.HomeDir, "plugins")}
	}
	for i, dir := range cfg.Plugins.Dirs {
		cfg.Plugins.Dirs[i] = resolvePath(cfg.HomeDir, dir)
	}
	if cfg.Blacklist.UserFile == "" {
		cfg.Blacklist.UserFile = "data/blacklist.json"
	}
	if cfg.Blacklist.GroupFile == "" {
		cfg.Blacklist.GroupFile = "data/group_blacklist.json"
	}
	cfg.Blacklist.UserFile = resolvePath(cfg.HomeDir, cfg.Blacklist.UserFile)
	cfg.Blacklist.GroupFile = resolvePath(cfg.HomeDir, cfg.Blacklist.GroupFile)
	if cfg.Blacklist.ReloadSeconds <= 0 {
		cfg.Blacklist.ReloadSeconds = 60
	}
	if cfg.Plugins.RefreshIntervalMillis <= 0 {
		cfg.Plugins.RefreshIntervalMillis = 2000
	}
	if cfg.Plugins.RetireIntervalSeconds <= 0 {
		cfg.Plugins.RetireIntervalSeconds = 30
	}
	if cfg.Plugins.PatternCacheSize <= 0 {
		cfg.Plugins.PatternCacheSize = 512
	}
	if cfg.Plugins.MatchTimeoutMillis <= 0 {
		cfg.Plugins.MatchTimeoutMillis = 100
	}
	if cfg.Plugins.LoadTimeoutMillis <= 0 {
		cfg.Plugins.LoadTimeoutMillis = 5000
	}
	if cfg.Scheduler.PoolSize <= 0 {
		cfg.Scheduler.PoolSize = 100
	}
	if cfg.Scheduler.SoftTimeoutMillis <= 0 {
		cfg.Scheduler.SoftTimeoutMillis = 3000
	}
	if cfg.Scheduler.HardTimeoutSeconds <= 0 {
		cfg.Scheduler.HardTimeoutSeconds = 300
	}
	if cfg.Scheduler.SweepIntervalSeconds <= 0 {
		cfg.Scheduler.SweepIntervalSeconds = 30
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	owners := cfg.OwnerIDs[:0]
	for _, id := range cfg.OwnerIDs {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(owners, id) {
			owners = append(owners, id)
		}
	}
	cfg.OwnerIDs = owners
}

// validate rejects settings that would make the scheduler misbehave.
func validate(cfg *Config) error {
	if cfg.SoftTimeout() >= cfg.HardTimeout() {
		return fmt.Errorf("scheduler.soft_timeout_ms (%d) must be below hard_timeout_s (%d)",
			cfg.Scheduler.SoftTimeoutMillis, cfg.Scheduler.HardTimeoutSeconds)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	return nil
}

func resolvePath(homeDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(homeDir, p)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PLUGBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PLUGBOT_OWNER_IDS"); raw != "" {
		cfg.OwnerIDs = strings.Split(raw, ",")
	}
	if raw := os.Getenv("PLUGBOT_MAINTENANCE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.MaintenanceMode = v
		}
	}
	if raw := os.Getenv("PLUGBOT_PLUGIN_DIRS"); raw != "" {
		cfg.Plugins.Dirs = filepath.SplitList(raw)
	}
	if raw := os.Getenv("PLUGBOT_SOFT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.SoftTimeoutMillis = v
		}
	}
	if raw := os.Getenv("PLUGBOT_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PoolSize = v
		}
	}
	if raw := os.Getenv("PLUGBOT_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	} else if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

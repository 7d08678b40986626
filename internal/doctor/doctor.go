package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/gate"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/patterns"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// telegramHost is resolved by the network check.
var telegramHost = "api.telegram.org"

// Run executes all diagnostic checks. Plugin files are loaded through rts
// and released again.
func Run(ctx context.Context, cfg *config.Config, version string, rts ...loader.Runtime) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkPlugins(ctx, cfg, rts) },
		checkBlacklists,
		checkPatterns,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	if len(cfg.OwnerIDs) == 0 {
		return CheckResult{Name: "Config", Status: "WARN", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "owner_ids is empty; admin commands are unreachable"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unavailable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkPlugins(ctx context.Context, cfg *config.Config, rts []loader.Runtime) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Plugins", Status: "SKIP", Message: "Config missing"}
	}
	var missing []string
	for _, dir := range cfg.Plugins.Dirs {
		if _, err := os.Stat(dir); err != nil {
			missing = append(missing, dir)
		}
	}
	files := loader.Discover(cfg.Plugins.Dirs, rts...)
	var broken []string
	handlers := 0
	for _, path := range files {
		mod, err := loader.Inspect(ctx, path, rts...)
		if err != nil {
			broken = append(broken, err.Error())
			continue
		}
		for _, p := range mod.Providers() {
			handlers += len(p.RegexHandlers())
		}
		mod.Close()
	}

	msg := fmt.Sprintf("%d files, %d handlers", len(files), handlers)
	switch {
	case len(broken) > 0:
		return CheckResult{Name: "Plugins", Status: "FAIL", Message: fmt.Sprintf("%s, %d failed to load", msg, len(broken)), Detail: strings.Join(broken, "; ")}
	case len(missing) > 0:
		return CheckResult{Name: "Plugins", Status: "WARN", Message: msg, Detail: "missing dirs: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Plugins", Status: "PASS", Message: msg}
}

func checkBlacklists(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Blacklists", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Blacklist.Enabled && !cfg.Blacklist.GroupEnabled {
		return CheckResult{Name: "Blacklists", Status: "SKIP", Message: "Blacklists disabled"}
	}
	var details []string
	status := "PASS"
	check := func(label, path string, enabled bool) {
		if !enabled {
			return
		}
		n, err := gate.ValidateFile(path)
		if err != nil {
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s: %v", label, err))
			return
		}
		details = append(details, fmt.Sprintf("%s: %d entries", label, n))
	}
	check("users", cfg.Blacklist.UserFile, cfg.Blacklist.Enabled)
	check("groups", cfg.Blacklist.GroupFile, cfg.Blacklist.GroupEnabled)

	return CheckResult{Name: "Blacklists", Status: status, Message: strings.Join(details, ", ")}
}

func checkPatterns(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Patterns", Status: "SKIP", Message: "Config missing"}
	}
	cache, err := patterns.New(len(cfg.DefaultResponseExcludedPatterns)+1, cfg.MatchTimeout())
	if err != nil {
		return CheckResult{Name: "Patterns", Status: "FAIL", Message: err.Error()}
	}
	var bad []string
	for _, p := range cfg.DefaultResponseExcludedPatterns {
		if _, err := cache.Compile(p); err != nil {
			bad = append(bad, fmt.Sprintf("%q: %v", p, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Patterns", Status: "FAIL", Message: fmt.Sprintf("%d invalid exclusion patterns", len(bad)), Detail: strings.Join(bad, "; ")}
	}
	return CheckResult{Name: "Patterns", Status: "PASS", Message: fmt.Sprintf("%d exclusion patterns compile", len(cfg.DefaultResponseExcludedPatterns))}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Token not set", Detail: "Set channels.telegram.token or PLUGBOT_TELEGRAM_TOKEN"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, telegramHost)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", telegramHost, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", telegramHost, len(addrs), latency.Milliseconds()),
	}
}

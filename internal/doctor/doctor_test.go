package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/script/luaplugin"
	"github.com/basket/go-plugbot/internal/telemetry"
)

const goodLua = `
local P = { name = "Ping" }
function P:get_regex_handlers() return { { "ping", "ping" }, { "pong", "ping" } } end
function P:ping(ev) ev:reply("pong") end
return P
`

func loadHome(t *testing.T, body string) *config.Config {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func result(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_NilConfigFails(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("expected failure for nil config")
	}
	if r := result(d, "Plugins"); r.Status != "SKIP" {
		t.Fatalf("expected plugins SKIP, got %+v", r)
	}
}

func TestCheckPlugins_CountsHandlersAndFailures(t *testing.T) {
	cfg := loadHome(t, "owner_ids: [\"1\"]\n")
	rt := luaplugin.New(telemetry.Discard())
	dir := cfg.Plugins.Dirs[0]

	writeFile(t, filepath.Join(dir, "ping.lua"), goodLua)
	r := checkPlugins(context.Background(), cfg, nil)
	if r.Status != "PASS" || r.Message != "0 files, 0 handlers" {
		t.Fatalf("without runtimes nothing loads, got %+v", r)
	}

	r = Run(context.Background(), cfg, "test", rt).Results[2]
	if r.Name != "Plugins" || r.Status != "PASS" || r.Message != "1 files, 2 handlers" {
		t.Fatalf("unexpected plugins result %+v", r)
	}

	writeFile(t, filepath.Join(dir, "broken.lua"), "return {")
	r = checkPlugins(context.Background(), cfg, []loader.Runtime{rt})
	if r.Status != "FAIL" || !strings.Contains(r.Detail, "broken.lua") {
		t.Fatalf("expected failure naming broken.lua, got %+v", r)
	}
}

func TestCheckPlugins_MissingDirWarns(t *testing.T) {
	cfg := loadHome(t, "plugins:\n  dirs: [\"nowhere\"]\n")
	r := checkPlugins(context.Background(), cfg, nil)
	if r.Status != "WARN" || !strings.Contains(r.Detail, "nowhere") {
		t.Fatalf("expected WARN for missing dir, got %+v", r)
	}
}

func TestCheckBlacklists(t *testing.T) {
	cfg := loadHome(t, "blacklist:\n  enabled: false\n  group_enabled: false\n")
	if r := checkBlacklists(context.Background(), cfg); r.Status != "SKIP" {
		t.Fatalf("expected SKIP when disabled, got %+v", r)
	}

	cfg = loadHome(t, "blacklist:\n  enabled: true\n  group_enabled: true\n")
	writeFile(t, cfg.Blacklist.UserFile, `{"42": "spam"}`)
	writeFile(t, cfg.Blacklist.GroupFile, `{"g1": 5}`)
	r := checkBlacklists(context.Background(), cfg)
	if r.Status != "FAIL" || !strings.Contains(r.Message, "users: 1 entries") || !strings.Contains(r.Message, "groups:") {
		t.Fatalf("expected group file failure, got %+v", r)
	}

	writeFile(t, cfg.Blacklist.GroupFile, `{}`)
	if r := checkBlacklists(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckPatterns(t *testing.T) {
	cfg := loadHome(t, "default_response_excluded_patterns: [\"^ok\", \"(unclosed\"]\n")
	r := checkPatterns(context.Background(), cfg)
	if r.Status != "FAIL" || !strings.Contains(r.Detail, "(unclosed") {
		t.Fatalf("expected invalid pattern reported, got %+v", r)
	}
}

func TestCheckConfig_WarnsWithoutOwners(t *testing.T) {
	cfg := loadHome(t, "{}\n")
	if r := checkConfig(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN without owners, got %+v", r)
	}
	cfg.NeedsGenesis = true
	if r := checkConfig(context.Background(), cfg); r.Status != "WARN" || !strings.Contains(r.Detail, "config.yaml") {
		t.Fatalf("expected genesis WARN, got %+v", r)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := loadHome(t, "{}\n")
	if r := checkTelegram(context.Background(), cfg); r.Status != "SKIP" {
		t.Fatalf("expected SKIP when disabled, got %+v", r)
	}
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = ""
	if r := checkTelegram(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL without token, got %+v", r)
	}

	cfg.Channels.Telegram.Token = "123:abc"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkTelegram(ctx, cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %+v", r)
	}
}

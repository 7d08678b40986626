package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-plugbot/internal/config"
)

const pingLua = `
local Ping = { name = "Ping", priority = 20 }
function Ping:get_regex_handlers() return { { "ping", "ping" }, { "admin", { handler = "ping", owner_only = true } } } end
function Ping:ping(ev) ev:reply("pong") end
return Ping
`

func setupHome(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PLUGBOT_HOME", home)
	t.Setenv("PLUGBOT_TELEGRAM_TOKEN", "")
	t.Setenv("TELEGRAM_TOKEN", "")
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

func writePlugin(t *testing.T, home, name, body string) string {
	t.Helper()
	dir := filepath.Join(home, "plugins")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPluginsCommand_ListsHandlersInOrder(t *testing.T) {
	home := setupHome(t, "owner_ids: [\"1\"]\n")
	writePlugin(t, home, "ping.lua", pingLua)

	var out bytes.Buffer
	if code := runPluginsCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("exit code %d, output %s", code, out.String())
	}
	text := out.String()
	myid := strings.Index(text, "SelfID.myid")
	ping := strings.Index(text, "Ping.ping")
	if myid < 0 || ping < 0 || myid > ping {
		t.Fatalf("expected built-ins before Ping, got:\n%s", text)
	}
	if !strings.Contains(text, "owner") {
		t.Fatalf("expected owner flag in listing:\n%s", text)
	}
}

func TestRunPluginsCommand_DirOverride(t *testing.T) {
	setupHome(t, "{}\n")
	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(other, "ping.lua"), []byte(pingLua), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if code := runPluginsCommand(context.Background(), []string{"--dir", other}, &out); code != 0 {
		t.Fatalf("exit code %d, output %s", code, out.String())
	}
	if !strings.Contains(out.String(), filepath.Join(other, "ping.lua")) {
		t.Fatalf("expected handlers from override dir:\n%s", out.String())
	}
}

func TestRunPluginsCommand_RejectsArgs(t *testing.T) {
	setupHome(t, "{}\n")
	if code := runPluginsCommand(context.Background(), []string{"extra"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
}

func TestRunCheckCommand(t *testing.T) {
	home := setupHome(t, "{}\n")
	good := writePlugin(t, home, "ping.lua", pingLua)
	bad := writePlugin(t, home, "bad.js", "module.exports = {")

	var out bytes.Buffer
	if code := runCheckCommand(context.Background(), []string{good}, &out); code != 0 {
		t.Fatalf("expected success for good file, got %d:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "Ping: 2 handlers") {
		t.Fatalf("unexpected check output:\n%s", out.String())
	}

	out.Reset()
	if code := runCheckCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("expected failure when a configured file is broken, got %d", code)
	}
	if !strings.Contains(out.String(), bad) || !strings.Contains(out.String(), "2 files, 1 failed") {
		t.Fatalf("unexpected check output:\n%s", out.String())
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setupHome(t, "owner_ids: [\"1\"]\n")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	if len(diag.Results) == 0 {
		t.Fatalf("expected results")
	}
}

func TestRunDoctorCommand_TextOutputFailsOnBrokenPlugin(t *testing.T) {
	home := setupHome(t, "owner_ids: [\"1\"]\n")
	writePlugin(t, home, "broken.lua", "return {")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("expected exit code 1, got %d:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "FAIL") || !strings.Contains(out.String(), "Plugins") {
		t.Fatalf("expected plugin failure in report:\n%s", out.String())
	}
}

func TestWriteMinimalConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeMinimalConfig(home); err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsGenesis || !cfg.Plugins.Watch || cfg.Plugins.Dirs[0] != filepath.Join(home, "plugins") {
		t.Fatalf("unexpected starter config %+v", cfg)
	}
	if err := writeMinimalConfig(home); err == nil {
		t.Fatalf("expected refusal to overwrite config.yaml")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nPLUGBOT_TEST_A = one\nPLUGBOT_TEST_B=two\nbroken\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLUGBOT_TEST_A", "")
	t.Setenv("PLUGBOT_TEST_B", "preset")
	loadDotEnv(path)
	if os.Getenv("PLUGBOT_TEST_A") != "one" || os.Getenv("PLUGBOT_TEST_B") != "preset" {
		t.Fatalf("unexpected env A=%q B=%q", os.Getenv("PLUGBOT_TEST_A"), os.Getenv("PLUGBOT_TEST_B"))
	}
}

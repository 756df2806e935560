package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessionMessages != 40 {
		t.Fatalf("expected max_session_messages 40, got %d", cfg.MaxSessionMessages)
	}
	if cfg.CompactKeepRecent != 20 {
		t.Fatalf("expected compact_keep_recent 20, got %d", cfg.CompactKeepRecent)
	}
	if cfg.MaxHistoryMessages != 50 {
		t.Fatalf("expected max_history_messages 50, got %d", cfg.MaxHistoryMessages)
	}
	if cfg.MaxToolIterations != 100 {
		t.Fatalf("expected max_tool_iterations 100, got %d", cfg.MaxToolIterations)
	}
	if cfg.MemoryTokenBudget != 1500 {
		t.Fatalf("expected memory_token_budget 1500, got %d", cfg.MemoryTokenBudget)
	}
	if cfg.WorkingDirIsolation != "chat" {
		t.Fatalf("expected chat isolation, got %q", cfg.WorkingDirIsolation)
	}
	if cfg.Sandbox.Mode != "off" {
		t.Fatalf("expected sandbox off, got %q", cfg.Sandbox.Mode)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
llm_provider: anthropic
model: claude-test
max_session_messages: 10
compact_keep_recent: 4
control_chat_ids: [77, 88]
tool_timeout_overrides:
  shell: 120
sandbox:
  mode: all
  image: alpine:3.20
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "claude-test" {
		t.Fatalf("expected model claude-test, got %q", cfg.Model)
	}
	if cfg.MaxSessionMessages != 10 || cfg.CompactKeepRecent != 4 {
		t.Fatalf("expected 10/4, got %d/%d", cfg.MaxSessionMessages, cfg.CompactKeepRecent)
	}
	if !cfg.IsControlChat(77) || !cfg.IsControlChat(88) || cfg.IsControlChat(99) {
		t.Fatal("control chat resolution wrong")
	}
	if cfg.ToolTimeoutSecs("shell") != 120 {
		t.Fatalf("expected shell timeout override 120, got %d", cfg.ToolTimeoutSecs("shell"))
	}
	if cfg.ToolTimeoutSecs("read_file") != 60 {
		t.Fatalf("expected default timeout 60, got %d", cfg.ToolTimeoutSecs("read_file"))
	}
	if cfg.Sandbox.Mode != "all" {
		t.Fatalf("expected sandbox all, got %q", cfg.Sandbox.Mode)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("llm_provider: carrier_pigeon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoad_CompactFloorValidation(t *testing.T) {
	dir := t.TempDir()
	yaml := "max_session_messages: 10\ncompact_keep_recent: 15\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// keep_recent >= max_session is normalized down, never passes through.
	if cfg.CompactKeepRecent >= cfg.MaxSessionMessages {
		t.Fatalf("expected normalized keep_recent < max_session, got %d/%d",
			cfg.CompactKeepRecent, cfg.MaxSessionMessages)
	}
}

func TestChatWorkingDir_Isolation(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.ChatWorkingDir("telegram", 42)
	if !strings.HasSuffix(got, filepath.Join("chat", "telegram", "42")) {
		t.Fatalf("unexpected chat working dir %q", got)
	}
	cfg.WorkingDirIsolation = "shared"
	got = cfg.ChatWorkingDir("telegram", 42)
	if !strings.HasSuffix(got, "shared") {
		t.Fatalf("unexpected shared working dir %q", got)
	}
}

func TestLoad_SoulResolution(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("You are a careful assistant."), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SOUL != "You are a careful assistant." {
		t.Fatalf("expected SOUL resolved from data dir, got %q", cfg.SOUL)
	}
}

func TestSelfCheck_Posture(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	report := SelfCheck(cfg)
	if report.SecurityPosture != "host-exec" {
		t.Fatalf("expected host-exec posture with sandbox off, got %q", report.SecurityPosture)
	}

	cfg.Sandbox.Mode = "all"
	cfg.Sandbox.RequireRuntime = true
	cfg.APIKey = "k"
	report = SelfCheck(cfg)
	if report.SecurityPosture != "hardened" {
		t.Fatalf("expected hardened posture, got %q", report.SecurityPosture)
	}
	if report.RiskLevel != "low" {
		t.Fatalf("expected low risk, got %q (warnings %v)", report.RiskLevel, report.Warnings)
	}

	cfg.WebHost = "0.0.0.0"
	report = SelfCheck(cfg)
	if report.SecurityPosture != "exposed" {
		t.Fatalf("expected exposed posture, got %q", report.SecurityPosture)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, b := cfg.Fingerprint(), cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	cfg.Model = "other-model"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint did not change with model")
	}
}

func TestRuntimeLayout(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	runtime := filepath.Join(dir, "runtime")
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"database", cfg.DatabasePath(), filepath.Join(runtime, "microclaw.db")},
		{"hook state", cfg.HooksStatePath(), filepath.Join(runtime, "hooks_state.json")},
		{"group memory", cfg.GroupDir(7), filepath.Join(runtime, "groups", "7")},
		{"skills", cfg.SkillsDir(), filepath.Join(dir, "skills")},
		{"mcp config", cfg.MCPConfigPath(), filepath.Join(dir, "mcp.json")},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s path = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

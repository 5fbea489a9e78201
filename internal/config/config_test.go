package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/agora-collective/agora/internal/riskgate"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Commons.RegisterLimitPerDay != 20 {
		t.Errorf("RegisterLimitPerDay = %d", cfg.Commons.RegisterLimitPerDay)
	}
	if cfg.Risk.DefaultPolicy != "safe" {
		t.Errorf("DefaultPolicy = %q", cfg.Risk.DefaultPolicy)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	blob := `{
		"listen_addr": ":9090",
		"commons": {"register_limit_per_day": 5},
		"risk": {"default_policy": "normal", "surfaces": {"blog": "off"}}
	}`
	if err := os.WriteFile(path, []byte(blob), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AGORA_LISTEN_ADDR", ":7070")
	t.Setenv("AGORA_REGISTER_LIMIT", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Env beats file.
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.Commons.RegisterLimitPerDay != 3 {
		t.Errorf("RegisterLimitPerDay = %d, want 3", cfg.Commons.RegisterLimitPerDay)
	}
	// File beats defaults.
	if got := cfg.PolicyFor("blog"); got != riskgate.PolicyOff {
		t.Errorf("PolicyFor(blog) = %q, want off", got)
	}
	if got := cfg.PolicyFor("unlisted"); got != riskgate.PolicyNormal {
		t.Errorf("PolicyFor(unlisted) = %q, want normal", got)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"risk": {"default_policy": "yolo"}}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want error for invalid policy")
	}
}

func TestMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	debug := NewLogger("debug")
	defer func() { _ = debug.Sync() }()
	if !debug.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug logger should enable debug level")
	}
	info := NewLogger("info")
	defer func() { _ = info.Sync() }()
	if info.Core().Enabled(zapcore.DebugLevel) {
		t.Error("info logger should not enable debug level")
	}
}

func TestClassifierModelFallback(t *testing.T) {
	llm := LLMConfig{Model: "big"}
	if got := llm.ClassifierModelOrDefault(); got != "big" {
		t.Errorf("got %q", got)
	}
	llm.ClassifierModel = "small"
	if got := llm.ClassifierModelOrDefault(); got != "small" {
		t.Errorf("got %q", got)
	}
}

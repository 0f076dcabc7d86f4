package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
transports:
  provider: websocket
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${DUPLEX_TEST_KEY}
  tts:
    provider: elevenlabs
  llm:
    provider: openai
agent:
  greeting: "Hi ${DUPLEX_TEST_NAME}"
`

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("DUPLEX_TEST_KEY", "secret")
	t.Setenv("DUPLEX_TEST_NAME", "there")
	cfg, err := LoadConfig(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Session.QueueSize != 64 || cfg.Session.Backpressure != "wait" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Audio, cfg.Session)
	}
	if !cfg.Turn.PreemptiveGeneration || cfg.Turn.PreemptiveThreshold != 0.6 || cfg.VAD.PoolSize != 4 {
		t.Fatalf("turn/vad defaults not applied: %+v %+v", cfg.Turn, cfg.VAD)
	}
	if cfg.Vendors.STT.Settings["api_key"] != "secret" {
		t.Fatalf("settings not expanded: %v", cfg.Vendors.STT.Settings)
	}
	if cfg.Agent.Greeting != "Hi there" {
		t.Fatalf("strings not expanded: %q", cfg.Agent.Greeting)
	}
	if !cfg.Privacy.RedactPII || cfg.Context.MaxHistory != 12 {
		t.Fatalf("unexpected privacy/context defaults")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "avatar:\n  enabled: true\nsession:\n  barge_in: rude\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"transports.provider", "vendors.stt.provider", "vendors.avatar.provider", "session.barge_in"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateThresholdOrder(t *testing.T) {
	body := minimal + "turn:\n  silence_threshold_ms: 900\n  max_silence_threshold_ms: 300\n"
	if _, err := LoadConfig(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "max_silence_threshold_ms") {
		t.Fatalf("expected threshold order error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("TAVUS_API_KEY", "tavus-key")
	cfg, err := LoadConfig(filepath.Join("..", "..", "cmd", "duplex", "config.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Transports.Provider != "websocket" || cfg.Engine.MaxSessions != 50 {
		t.Fatalf("unexpected example values: %+v %+v", cfg.Transports, cfg.Engine)
	}
	if cfg.Catalog.Settings["api_key"] != "tavus-key" || cfg.Catalog.Settings["persona_name"] != "Concierge" {
		t.Fatalf("catalog settings not expanded: %v", cfg.Catalog.Settings)
	}
	if cfg.Observability.SampleRate != 0.1 {
		t.Fatalf("expected sample rate 0.1, got %v", cfg.Observability.SampleRate)
	}
}

// Package config loads the process configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Audio         AudioConfig         `mapstructure:"audio"`
	Session       SessionConfig       `mapstructure:"session"`
	VAD           VADConfig           `mapstructure:"vad"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Synth         SynthConfig         `mapstructure:"synth"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Context       ContextConfig       `mapstructure:"context"`
	Avatar        AvatarConfig        `mapstructure:"avatar"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Catalog       VendorConfig        `mapstructure:"catalog"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Engine        EngineConfig        `mapstructure:"engine"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT    VendorConfig `mapstructure:"stt"`
	TTS    VendorConfig `mapstructure:"tts"`
	LLM    VendorConfig `mapstructure:"llm"`
	Avatar VendorConfig `mapstructure:"avatar"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	FrameMS    int `mapstructure:"frame_ms"`
}

type SessionConfig struct {
	QueueSize        int    `mapstructure:"queue_size"`
	Backpressure     string `mapstructure:"backpressure"`
	TurnRetries      int    `mapstructure:"turn_retries"`
	BargeIn          string `mapstructure:"barge_in"`
	RealtimePlayback bool   `mapstructure:"realtime_playback"`
	EventBuffer      int    `mapstructure:"event_buffer"`
}

type VADConfig struct {
	Model               string  `mapstructure:"model"`
	ActivationThreshold float64 `mapstructure:"activation_threshold"`
	MinSpeechMS         int     `mapstructure:"min_speech_ms"`
	MinSilenceMS        int     `mapstructure:"min_silence_ms"`
	PoolSize            int     `mapstructure:"pool_size"`
}

type TurnConfig struct {
	SilenceThresholdMS    int     `mapstructure:"silence_threshold_ms"`
	MaxSilenceThresholdMS int     `mapstructure:"max_silence_threshold_ms"`
	FinalizeTimeoutMS     int     `mapstructure:"finalize_timeout_ms"`
	PreemptiveGeneration  bool    `mapstructure:"preemptive_generation"`
	PreemptiveThreshold   float64 `mapstructure:"preemptive_threshold"`
	Predictor             string  `mapstructure:"predictor"`
}

type SynthConfig struct {
	Lookahead      int `mapstructure:"lookahead"`
	Retries        int `mapstructure:"retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

type LLMConfig struct {
	Retries           int `mapstructure:"retries"`
	RetryBaseMS       int `mapstructure:"retry_base_ms"`
	CircuitThreshold  int `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int `mapstructure:"circuit_cooldown_ms"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

type AvatarConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	AttachTimeoutMS int  `mapstructure:"attach_timeout_ms"`
}

type AgentConfig struct {
	Instructions string `mapstructure:"instructions"`
	Greeting     string `mapstructure:"greeting"`
	Language     string `mapstructure:"language"`
}

type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	SampleRate    float64 `mapstructure:"sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type EngineConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
	MaxSessions    int `mapstructure:"max_sessions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("session.queue_size", 64)
	v.SetDefault("session.backpressure", "wait")
	v.SetDefault("session.turn_retries", 1)
	v.SetDefault("session.barge_in", "aggressive")
	v.SetDefault("session.realtime_playback", true)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("vad.model", "energy")
	v.SetDefault("vad.activation_threshold", 0.5)
	v.SetDefault("vad.min_speech_ms", 60)
	v.SetDefault("vad.min_silence_ms", 200)
	v.SetDefault("vad.pool_size", 4)
	v.SetDefault("turn.silence_threshold_ms", 500)
	v.SetDefault("turn.max_silence_threshold_ms", 2000)
	v.SetDefault("turn.finalize_timeout_ms", 1200)
	v.SetDefault("turn.preemptive_generation", true)
	v.SetDefault("turn.preemptive_threshold", 0.6)
	v.SetDefault("turn.predictor", "punctuation")
	v.SetDefault("synth.lookahead", 2)
	v.SetDefault("synth.retries", 2)
	v.SetDefault("synth.retry_backoff_ms", 150)
	v.SetDefault("llm.retries", 2)
	v.SetDefault("llm.retry_base_ms", 100)
	v.SetDefault("llm.circuit_threshold", 3)
	v.SetDefault("llm.circuit_cooldown_ms", 30000)
	v.SetDefault("context.max_history", 12)
	v.SetDefault("avatar.enabled", false)
	v.SetDefault("avatar.attach_timeout_ms", 5000)
	v.SetDefault("agent.instructions", "You are a helpful voice assistant. Keep answers short and conversational.")
	v.SetDefault("agent.greeting", "")
	v.SetDefault("engine.drain_timeout_ms", 10000)
	v.SetDefault("engine.max_sessions", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("archive.dsn", "")
}

// LoadConfig reads path, applies defaults, expands ${ENV} references in
// every string and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Transports.Provider) == "" {
		errs = append(errs, errors.New("transports.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		errs = append(errs, errors.New("vendors.stt.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		errs = append(errs, errors.New("vendors.tts.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		errs = append(errs, errors.New("vendors.llm.provider is required"))
	}
	if c.Avatar.Enabled && strings.TrimSpace(c.Vendors.Avatar.Provider) == "" {
		errs = append(errs, errors.New("vendors.avatar.provider is required when avatar.enabled"))
	}
	if c.Turn.PreemptiveThreshold < 0 || c.Turn.PreemptiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn.preemptive_threshold must be within [0,1], got %v", c.Turn.PreemptiveThreshold))
	}
	if c.Turn.MaxSilenceThresholdMS > 0 && c.Turn.MaxSilenceThresholdMS < c.Turn.SilenceThresholdMS {
		errs = append(errs, errors.New("turn.max_silence_threshold_ms must not be below turn.silence_threshold_ms"))
	}
	switch strings.ToLower(c.Session.BargeIn) {
	case "", "aggressive", "polite":
	default:
		errs = append(errs, fmt.Errorf("session.barge_in must be aggressive or polite, got %q", c.Session.BargeIn))
	}
	return errors.Join(errs...)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.Avatar.Settings = expandSettings(cfg.Vendors.Avatar.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Catalog.Settings = expandSettings(cfg.Catalog.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}

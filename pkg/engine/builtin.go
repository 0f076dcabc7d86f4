package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/providers/deepgram"
	"github.com/harunnryd/duplex/pkg/providers/elevenlabs"
	"github.com/harunnryd/duplex/pkg/providers/gemini"
	"github.com/harunnryd/duplex/pkg/providers/mock"
	"github.com/harunnryd/duplex/pkg/providers/openai"
	"github.com/harunnryd/duplex/pkg/providers/tavus"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	EndpointingMS  int    `mapstructure:"endpointing_ms"`
	ConnectRetries *int   `mapstructure:"connect_retries"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	AfterFrames       int    `mapstructure:"after_frames"`
}

type elevenlabsSettings struct {
	APIKey       string  `mapstructure:"api_key"`
	VoiceID      string  `mapstructure:"voice_id"`
	ModelID      string  `mapstructure:"model_id"`
	OutputFormat string  `mapstructure:"output_format"`
	BaseURL      string  `mapstructure:"base_url"`
	Stability    float64 `mapstructure:"stability"`
	Similarity   float64 `mapstructure:"similarity"`
}

type openAISpeechSettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	Voice   string `mapstructure:"voice"`
	BaseURL string `mapstructure:"base_url"`
}

type mockTTSSettings struct {
	SampleRate       int `mapstructure:"sample_rate"`
	ChunkBytes       int `mapstructure:"chunk_bytes"`
	ChunksPerSegment int `mapstructure:"chunks_per_segment"`
	ChunkDelayMS     int `mapstructure:"chunk_delay_ms"`
}

type openAISettings struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	BaseURL     string   `mapstructure:"base_url"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
}

type geminiSettings struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	BaseURL     string   `mapstructure:"base_url"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
	ChunkDelayMS int      `mapstructure:"chunk_delay_ms"`
}

type tavusSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	SinkURL string `mapstructure:"sink_url"`
}

var catalogSelectorKeys = []string{"persona_id", "persona_name", "replica_id", "replica_name"}

// RegisterBuiltins registers every provider shipped with duplex under its
// configuration name.
func RegisterBuiltins(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", buildDeepgram)
	reg.RegisterSTT("mock", buildMockSTT)
	reg.RegisterTTS("elevenlabs", buildElevenLabs)
	reg.RegisterTTS("openai", buildOpenAISpeech)
	reg.RegisterTTS("mock", buildMockTTS)
	reg.RegisterLLM("openai", buildOpenAI)
	reg.RegisterLLM("gemini", buildGemini)
	reg.RegisterLLM("mock", buildMockLLM)
	reg.RegisterAvatar("tavus", buildTavusAvatar)
	reg.RegisterCatalog("tavus", buildTavusCatalog)
}

func buildDeepgram(cfg config.Config) (stt.Factory, error) {
	if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "vad_events", "utterance_end_ms", "endpointing_ms", "connect_retries"},
		OneOf:    map[string][]string{"encoding": {"linear16"}},
	}); err != nil {
		return nil, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	if settings.Encoding == "" {
		settings.Encoding = "linear16"
	}
	language := settings.Language
	if language == "" {
		language = cfg.Agent.Language
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	return deepgram.NewFactory(deepgram.Config{
		APIKey:     settings.APIKey,
		Model:      settings.Model,
		Language:   language,
		SampleRate: cfg.Audio.SampleRate,
		Encoding:   settings.Encoding,
		Interim:    configutil.BoolValue(settings.Interim, true),
		VADEvents:  configutil.BoolValue(settings.VADEvents, true),
		Params: deepgram.Params{
			UtteranceEndMS: utteranceEnd,
			Endpointing:    settings.EndpointingMS,
		},
		ConnectRetries: configutil.IntValue(settings.ConnectRetries, 2),
	}), nil
}

func buildMockSTT(cfg config.Config) (stt.Factory, error) {
	if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"transcript", "interim_transcript", "emit_interim", "after_frames"},
	}); err != nil {
		return nil, err
	}
	var settings mockSTTSettings
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
		return nil, err
	}
	return func(c stt.Config) stt.Transcriber {
		return mock.NewSTT(mock.STTConfig{
			Participant:       c.Participant,
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
			EmitInterim:       configutil.BoolValue(settings.EmitInterim, false),
			AfterFrames:       settings.AfterFrames,
		})
	}, nil
}

func buildElevenLabs(cfg config.Config) (tts.Synthesizer, error) {
	if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "base_url", "stability", "similarity"},
	}); err != nil {
		return nil, err
	}
	var settings elevenlabsSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	if settings.OutputFormat == "" {
		settings.OutputFormat = fmt.Sprintf("pcm_%d", cfg.Audio.SampleRate)
	}
	synth, err := elevenlabs.New(elevenlabs.Config{
		APIKey:       settings.APIKey,
		VoiceID:      settings.VoiceID,
		ModelID:      settings.ModelID,
		OutputFormat: settings.OutputFormat,
		BaseURL:      settings.BaseURL,
		Stability:    settings.Stability,
		Similarity:   settings.Similarity,
	})
	if err != nil {
		return nil, err
	}
	return synth, nil
}

func buildOpenAISpeech(cfg config.Config) (tts.Synthesizer, error) {
	if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "voice", "base_url"},
	}); err != nil {
		return nil, err
	}
	var settings openAISpeechSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	return openai.NewSpeech(openai.SpeechConfig{
		APIKey:  settings.APIKey,
		Model:   settings.Model,
		Voice:   settings.Voice,
		BaseURL: settings.BaseURL,
	}), nil
}

func buildMockTTS(cfg config.Config) (tts.Synthesizer, error) {
	if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Optional: []string{"sample_rate", "chunk_bytes", "chunks_per_segment", "chunk_delay_ms"},
	}); err != nil {
		return nil, err
	}
	var settings mockTTSSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	rate := settings.SampleRate
	if rate == 0 {
		rate = cfg.Audio.SampleRate
	}
	return mock.NewTTS(mock.TTSConfig{
		SampleRate:       rate,
		ChunkBytes:       settings.ChunkBytes,
		ChunksPerSegment: settings.ChunksPerSegment,
		ChunkDelay:       time.Duration(settings.ChunkDelayMS) * time.Millisecond,
	}), nil
}

func buildOpenAI(cfg config.Config) (llm.LLMAdapter, error) {
	if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key", "model"},
		Optional: []string{"base_url", "temperature", "max_tokens"},
	}); err != nil {
		return nil, err
	}
	var settings openAISettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(settings.APIKey, settings.Model)
	if settings.BaseURL != "" {
		adapter.BaseURL = settings.BaseURL
	}
	if settings.Temperature != nil {
		adapter.Temperature = *settings.Temperature
	}
	adapter.MaxTokens = settings.MaxTokens
	return adapter, nil
}

func buildGemini(cfg config.Config) (llm.LLMAdapter, error) {
	if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "temperature", "max_tokens"},
	}); err != nil {
		return nil, err
	}
	var settings geminiSettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
		return nil, err
	}
	gc := gemini.Config{
		APIKey:    settings.APIKey,
		Model:     settings.Model,
		BaseURL:   settings.BaseURL,
		MaxTokens: int32(settings.MaxTokens),
	}
	if settings.Temperature != nil {
		gc.Temperature = float32(*settings.Temperature)
	}
	adapter, err := gemini.New(context.Background(), gc)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func buildMockLLM(cfg config.Config) (llm.LLMAdapter, error) {
	if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"response_text", "stream_chunks", "chunk_delay_ms"},
	}); err != nil {
		return nil, err
	}
	var settings mockLLMSettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		ResponseText: settings.ResponseText,
		StreamChunks: settings.StreamChunks,
		ChunkDelay:   time.Duration(settings.ChunkDelayMS) * time.Millisecond,
	}), nil
}

func newTavusClient(path string, settingsIn map[string]any, extra ...string) (*tavus.Client, tavusSettings, error) {
	var settings tavusSettings
	if err := validateSettings(path, settingsIn, configutil.Schema{
		Required: []string{"api_key"},
		Optional: append([]string{"base_url", "sink_url"}, extra...),
	}); err != nil {
		return nil, settings, err
	}
	if err := configutil.DecodeSettings(settingsIn, &settings); err != nil {
		return nil, settings, err
	}
	client := tavus.NewClient(settings.APIKey)
	if settings.BaseURL != "" {
		client.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	}
	return client, settings, nil
}

func buildTavusAvatar(cfg config.Config, handle catalog.Handle) (AvatarFactory, error) {
	client, settings, err := newTavusClient("vendors.avatar.settings", cfg.Vendors.Avatar.Settings, catalogSelectorKeys...)
	if err != nil {
		return nil, err
	}
	if handle.Replica.ID == "" {
		return nil, fmt.Errorf("tavus avatar needs a replica; set catalog replica_id, replica_name or a persona with a default replica")
	}
	return func(string) avatarapi.Renderer {
		return tavus.NewRenderer(client, tavus.RendererConfig{Handle: handle, SinkURL: settings.SinkURL})
	}, nil
}

func buildTavusCatalog(cfg config.Config) (catalog.Resolver, error) {
	client, _, err := newTavusClient("catalog.settings", cfg.Catalog.Settings, catalogSelectorKeys...)
	if err != nil {
		return nil, err
	}
	return catalog.NewResolver(client), nil
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	schema.Path = path
	return configutil.ValidateSettings(input, schema)
}

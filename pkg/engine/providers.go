package engine

import (
	"fmt"
	"strings"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/llm"
)

type STTFactoryBuilder func(cfg config.Config) (stt.Factory, error)
type TTSBuilder func(cfg config.Config) (tts.Synthesizer, error)
type LLMFactory func(cfg config.Config) (llm.LLMAdapter, error)
type CatalogBuilder func(cfg config.Config) (catalog.Resolver, error)

// AvatarFactory returns a fresh renderer for one session.
type AvatarFactory func(sessionID string) avatarapi.Renderer

// AvatarBuilder receives the catalog handle resolved at engine start.
type AvatarBuilder func(cfg config.Config, handle catalog.Handle) (AvatarFactory, error)

type ProviderRegistry struct {
	stt     map[string]STTFactoryBuilder
	tts     map[string]TTSBuilder
	llm     map[string]LLMFactory
	avatar  map[string]AvatarBuilder
	catalog map[string]CatalogBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:     make(map[string]STTFactoryBuilder),
		tts:     make(map[string]TTSBuilder),
		llm:     make(map[string]LLMFactory),
		avatar:  make(map[string]AvatarBuilder),
		catalog: make(map[string]CatalogBuilder),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, builder TTSBuilder) {
	r.tts[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterAvatar(name string, builder AvatarBuilder) {
	r.avatar[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterCatalog(name string, builder CatalogBuilder) {
	r.catalog[providerKey(name)] = builder
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg config.Config) (stt.Factory, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg config.Config) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg config.Config) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildAvatar(provider string, cfg config.Config, handle catalog.Handle) (AvatarFactory, error) {
	fn := r.avatar[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("avatar provider not registered: %s", provider)
	}
	return fn(cfg, handle)
}

func (r *ProviderRegistry) BuildCatalog(provider string, cfg config.Config) (catalog.Resolver, error) {
	fn := r.catalog[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("catalog provider not registered: %s", provider)
	}
	return fn(cfg)
}

package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTStream    ReasonCode = "stt_stream"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonVADLoad  ReasonCode = "vad_load"
	ReasonVADInfer ReasonCode = "vad_infer"

	ReasonSynthDesync ReasonCode = "synth_desync"

	ReasonAvatarAttach ReasonCode = "avatar_attach"
	ReasonAvatarRender ReasonCode = "avatar_render"

	ReasonCatalogLookup ReasonCode = "catalog_lookup"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportLost             ReasonCode = "transport_lost"
)

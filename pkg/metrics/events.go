package metrics

// Event names shared by providers and observers.
const (
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"

	EventAudioIn      = "audio_in"
	EventAudioOut     = "audio_out"
	EventFramesDrop   = "frames_dropped"
	EventLLMFirst     = "llm_first_token"
	EventLLMDone      = "llm_done"
	EventTTSFirst     = "tts_first_audio"
	EventVADSample    = "vad_probability"
	EventSTTFinal     = "stt_final"
	EventAvatarRender = "avatar_render"
)

// Tag keys.
const (
	TagSessionID   = "session_id"
	TagTraceID     = "trace_id"
	TagParticipant = "participant"
	TagComponent   = "component"
	TagProvider    = "provider"
	TagTurnID      = "turn_id"
)

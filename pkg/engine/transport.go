package engine

import (
	"fmt"
	"log/slog"

	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/transports"
	"github.com/harunnryd/duplex/pkg/transports/mock"
	"github.com/harunnryd/duplex/pkg/transports/twilio"
	"github.com/harunnryd/duplex/pkg/transports/websocket"
)

// BuildTransport constructs the transport named by transports.provider.
func BuildTransport(cfg config.Config, logger *slog.Logger) (transports.Transport, error) {
	settings := cfg.Transports.Settings
	switch providerKey(cfg.Transports.Provider) {
	case "twilio":
		if err := validateSettings("transports.settings", settings, configutil.Schema{
			Optional: []string{
				"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path",
				"status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins",
				"sample_rate", "hangup_on_close",
			},
		}); err != nil {
			return nil, err
		}
		var tc twilio.Config
		if err := configutil.DecodeSettings(settings, &tc); err != nil {
			return nil, err
		}
		if tc.SampleRate == 0 {
			tc.SampleRate = cfg.Audio.SampleRate
		}
		tc.Logger = logger
		return twilio.New(tc), nil
	case "websocket", "":
		if err := validateSettings("transports.settings", settings, configutil.Schema{
			Optional: []string{"server_addr", "path", "sample_rate", "allowed_origins"},
			OneOf:    map[string][]string{"codec": {websocket.CodecPCM, websocket.CodecOpus}},
		}); err != nil {
			return nil, err
		}
		var wc websocket.Config
		if err := configutil.DecodeSettings(settings, &wc); err != nil {
			return nil, err
		}
		if wc.SampleRate == 0 {
			wc.SampleRate = cfg.Audio.SampleRate
		}
		wc.Logger = logger
		t, err := websocket.New(wc)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Transports.Provider)
	}
}

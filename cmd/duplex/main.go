// Command duplex runs the conversational agent: it accepts participants
// from the configured transport and runs one session per participant.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/engine"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/transports"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	dialTo := flag.String("dial_to", "", "destination number for an outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for an outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for an outbound call")
	dialDigits := flag.String("dial_digits", "", "DTMF digits to send once the outbound call connects")
	dialRoom := flag.String("dial_room", "", "room name for the outbound call's session")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	providers := engine.NewProviderRegistry()
	engine.RegisterBuiltins(providers)
	transport, err := engine.BuildTransport(cfg, logger)
	if err != nil {
		logger.Error("transport_build_failed", "error", err)
		os.Exit(1)
	}
	app, err := engine.NewEngine(engine.Options{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
		Logger:    logger,
		Banner:    os.Stdout,
	})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Start(ctx); err != nil {
		logger.Error("engine_start_failed", "error", err)
		_ = app.Stop()
		os.Exit(1)
	}
	if *dialTo != "" && *dialFrom != "" {
		dial(ctx, logger, app, *dialTo, *dialFrom, *dialURL, transports.DialOptions{
			SendDigits: *dialDigits,
			Room:       *dialRoom,
			TraceID:    uuid.NewString(),
		})
	}

	<-ctx.Done()
	if err := app.Stop(); err != nil {
		logger.Warn("engine_stop_failed", "error", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context, logger *slog.Logger, app *engine.Engine, to, from, url string, opts transports.DialOptions) {
	d, ok := app.Dialer()
	if !ok {
		logger.Warn("transport_no_outbound_dialer", "transport", app.Transport().Name())
		return
	}
	callSID, err := d.DialWithOptions(ctx, to, from, url, opts)
	if err != nil {
		logger.Error("outbound_dial_failed", "to", to, "error", err)
		return
	}
	logger.Info("outbound_dial_started", "call_sid", callSID, "to", to, "room", opts.Room, "trace_id", opts.TraceID)
}

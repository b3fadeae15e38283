// Command agent-server runs the telephony audio bridge. It accepts carrier
// media-stream WebSocket connections, authorizes each call against the call
// directory, and relays audio between the caller and a speech engine:
// conversational speech-to-speech for calls with provisioned instructions,
// streaming transcription for the rest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/P0rt/agent-server/internal/config"
	"github.com/P0rt/agent-server/internal/directory"
	"github.com/P0rt/agent-server/internal/health"
	"github.com/P0rt/agent-server/internal/observe"
	"github.com/P0rt/agent-server/internal/relay"
	"github.com/P0rt/agent-server/internal/transcript"
	"github.com/P0rt/agent-server/pkg/realtime"
	"github.com/P0rt/agent-server/pkg/transcribe"
	"github.com/P0rt/agent-server/pkg/voice"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agent-server: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agent-server: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// swapping the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	slog.Info("agent-server starting",
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "agent-server"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Call directory and transcript retention ──────────────────────────────
	var (
		dir       voice.CallDirectory
		recorder  transcript.Recorder
		staticDir *directory.Static
		checkers  []health.Checker
	)
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("postgres pool init failed", "err", err)
			return 1
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("postgres unreachable", "err", err)
			return 1
		}

		pgDir := directory.NewPostgres(pool, cfg.Calls.AllowUnknown)
		if err := pgDir.Migrate(ctx); err != nil {
			slog.Error("call directory migration failed", "err", err)
			return 1
		}
		store := transcript.NewPostgres(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("transcript store migration failed", "err", err)
			return 1
		}

		// A database outage must degrade retention, not drop transcripts.
		dir = pgDir
		recorder = transcript.NewFailover(store, transcript.Log{}, transcript.FailoverConfig{})
		checkers = append(checkers, health.Database(pool))
		slog.Info("postgres storage ready")
	} else {
		staticDir = directory.NewStatic(staticConfig(cfg))
		dir = staticDir
		recorder = transcript.Log{}
		slog.Info("using in-memory call directory, transcripts go to the log",
			"allow_unknown", cfg.Calls.AllowUnknown)
	}

	// ── Speech engine clients ─────────────────────────────────────────────────
	var engineClient *realtime.Client
	if cfg.Engine.APIKey != "" {
		engineClient, err = realtime.NewClient(cfg.Engine.APIKey, engineOptions(cfg)...)
		if err != nil {
			slog.Error("engine client init failed", "err", err)
			return 1
		}
	}

	var transcriberClient *transcribe.Client
	if cfg.Transcriber.APIKey != "" {
		transcriberClient, err = transcribe.NewClient(cfg.Transcriber.APIKey, transcriberOptions(cfg)...)
		if err != nil {
			slog.Error("transcriber client init failed", "err", err)
			return 1
		}
	}

	checkers = append(checkers, health.Checker{
		Name: "engine",
		Check: func(context.Context) error {
			if engineClient == nil && transcriberClient == nil {
				return errors.New("no speech engine configured")
			}
			return nil
		},
	})

	// ── Media relay ───────────────────────────────────────────────────────────
	var relayOpts []relay.Option
	if cfg.Relay.HangupGraceMs > 0 {
		relayOpts = append(relayOpts, relay.WithHangupGrace(cfg.Relay.HangupGrace()))
	}

	bridge, err := relay.New(relay.Config{
		Directory: dir,
		NewConversation: func(callID string, inst voice.CallInstructions) voice.ConversationSession {
			if engineClient == nil {
				return unavailableConversation{}
			}
			return engineClient.NewSession(callID, inst)
		},
		NewTranscriber: func(callID string) voice.TranscriptionSession {
			if transcriberClient == nil {
				return unavailableTranscriber{}
			}
			return transcriberClient.NewSession(callID)
		},
		Metrics: metrics,
		Hooks: relay.Hooks{
			OnCallComplete: func(callID string, entries []voice.TranscriptEntry) {
				recCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := recorder.Record(recCtx, callID, entries); err != nil {
					slog.Error("transcript retention failed", "call_sid", callID, "err", err)
				}
			},
			OnTranscript: func(callID, text string) {
				slog.Info("caller utterance", "call_sid", callID, "text", text)
			},
			OnPartialTranscript: func(callID, text string) {
				slog.Debug("caller utterance (partial)", "call_sid", callID, "text", text)
			},
		},
	}, relayOpts...)
	if err != nil {
		slog.Error("relay init failed", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.CallsChanged {
			if staticDir != nil {
				staticDir.SetConfig(staticConfig(new))
				slog.Info("call policy updated")
			} else {
				slog.Warn("call policy is backed by postgres; calls changes need a restart")
			}
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("config watcher init failed", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	probes := health.New(bridge, checkers)
	wrap := observe.Middleware(metrics)

	mux := http.NewServeMux()
	// The media-stream upgrade stays outside the middleware: its connections
	// are hijacked and live for minutes.
	mux.HandleFunc("GET /media-stream", bridge.HandleUpgrade)
	mux.Handle("GET /healthz", wrap(http.HandlerFunc(probes.Healthz)))
	mux.Handle("GET /readyz", wrap(http.HandlerFunc(probes.Readyz)))
	mux.Handle("GET /metrics", wrap(promhttp.Handler()))

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, listenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ───────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Streams first: media connections are hijacked, so the HTTP
		// shutdown below would not wait for them.
		bridge.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ───────────────────────────────────────────────────────────────

// engineOptions maps the engine config section onto realtime client options.
// Unset fields keep the client's defaults.
func engineOptions(cfg *config.Config) []realtime.Option {
	var opts []realtime.Option
	eng := cfg.Engine
	if eng.Model != "" {
		opts = append(opts, realtime.WithModel(eng.Model))
	}
	if eng.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(eng.BaseURL))
	}
	if eng.Voice != "" {
		opts = append(opts, realtime.WithVoice(eng.Voice))
	}
	if eng.TranscriptionModel != "" {
		opts = append(opts, realtime.WithTranscriptionModel(eng.TranscriptionModel))
	}
	if td := eng.TurnDetection; td != (config.TurnDetectionConfig{}) {
		opts = append(opts, realtime.WithTurnDetection(realtime.TurnDetection{
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}))
	}
	if cfg.Relay.ConnectTimeoutMs > 0 {
		opts = append(opts, realtime.WithConnectTimeout(cfg.Relay.ConnectTimeout()))
	}
	return opts
}

// transcriberOptions maps the transcriber config section onto transcription
// client options.
func transcriberOptions(cfg *config.Config) []transcribe.Option {
	var opts []transcribe.Option
	tr := cfg.Transcriber
	if tr.Model != "" {
		opts = append(opts, transcribe.WithModel(tr.Model))
	}
	if tr.Language != "" {
		opts = append(opts, transcribe.WithLanguage(tr.Language))
	}
	if tr.BaseURL != "" {
		opts = append(opts, transcribe.WithBaseURL(tr.BaseURL))
	}
	return opts
}

// staticConfig maps the calls config section onto the in-memory directory's
// policy.
func staticConfig(cfg *config.Config) directory.StaticConfig {
	return directory.StaticConfig{
		Token:               cfg.Calls.Token,
		DefaultInstructions: cfg.Calls.DefaultInstructions,
		DefaultVoice:        cfg.Calls.DefaultVoice,
		AllowUnknown:        cfg.Calls.AllowUnknown,
	}
}

// ── Unconfigured engine stubs ───────────────────────────────────────────────────

var (
	errEngineNotConfigured      = errors.New("engine.api_key is not configured")
	errTranscriberNotConfigured = errors.New("transcriber.api_key is not configured")
)

// unavailableConversation stands in for the conversational session when no
// engine key is configured. Connect fails, which leaves the relay's degraded
// no-audio path in charge; the telephony stream itself stays up.
type unavailableConversation struct{}

var _ voice.ConversationSession = unavailableConversation{}

func (unavailableConversation) Connect(context.Context) error            { return errEngineNotConfigured }
func (unavailableConversation) SendAudio([]byte)                         {}
func (unavailableConversation) TriggerResponse()                         {}
func (unavailableConversation) OnAudio(func([]byte))                     {}
func (unavailableConversation) OnSpeechStarted(func())                   {}
func (unavailableConversation) OnTranscript(func(voice.TranscriptEntry)) {}
func (unavailableConversation) OnHangup(func())                          {}
func (unavailableConversation) Transcript() []voice.TranscriptEntry      { return nil }
func (unavailableConversation) Close() error                             { return nil }

// unavailableTranscriber is the transcription counterpart.
type unavailableTranscriber struct{}

var _ voice.TranscriptionSession = unavailableTranscriber{}

func (unavailableTranscriber) Connect(context.Context) error { return errTranscriberNotConfigured }
func (unavailableTranscriber) SendAudio([]byte)               {}
func (unavailableTranscriber) OnPartial(func(string))         {}
func (unavailableTranscriber) OnFinal(func(string))           {}
func (unavailableTranscriber) OnSpeechStarted(func())         {}
func (unavailableTranscriber) Close() error                   { return nil }

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═════════════════════════════════════╗")
	fmt.Println("║   agent-server — startup summary    ║")
	fmt.Println("╠═════════════════════════════════════╣")
	printLeg("Engine", cfg.Engine.APIKey != "", cfg.Engine.Model)
	printLeg("Transcriber", cfg.Transcriber.APIKey != "", cfg.Transcriber.Model)
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", "in-memory")
	}
	if cfg.Calls.AllowUnknown {
		printRow("Unknown calls", "accepted")
	} else {
		printRow("Unknown calls", "rejected")
	}
	printRow("Listen addr", listenAddr)
	fmt.Println("╚═════════════════════════════════════╝")
}

func printLeg(kind string, configured bool, model string) {
	value := "(not configured)"
	if configured {
		value = model
		if value == "" {
			value = "configured"
		}
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s: %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

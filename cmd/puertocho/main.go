// Command puertocho runs the wake-word appliance: it listens to the
// microphone, detects the wake word, records the following utterance and
// streams it to the assistant backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/puertocho/internal/app"
	"github.com/MrWong99/puertocho/internal/config"
	"github.com/MrWong99/puertocho/internal/health"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/audio/mic"
	"github.com/MrWong99/puertocho/pkg/audio/synth"
	"github.com/MrWong99/puertocho/pkg/provider/keyword"
	"github.com/MrWong99/puertocho/pkg/provider/keyword/onnx"
	"github.com/MrWong99/puertocho/pkg/provider/uplink"
	"github.com/MrWong99/puertocho/pkg/provider/uplink/websocket"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
	"github.com/MrWong99/puertocho/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

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
			fmt.Fprintf(os.Stderr, "puertocho: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "puertocho: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("puertocho starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if c, ok := providers.Keyword.(io.Closer); ok {
		defer c.Close()
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if err := application.ApplyConfig(diff); err != nil {
			slog.Warn("config reload not fully applied", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Status server ─────────────────────────────────────────────────────────
	srv := newServer(cfg.Server, application, metrics)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "err", err)
			stop()
		}
	}()

	slog.Info("appliance ready; press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("status server shutdown", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// newServer builds the HTTP server for health, status and metrics.
func newServer(cfg config.ServerConfig, a *app.App, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New(a.Checkers(), health.WithStatus(func() any { return a.Status() })).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the shipped provider factories into reg.
// Audio factories take the device format from cfg.Audio.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	period := time.Duration(cfg.Audio.ChunkMs) * time.Millisecond

	// ── Keyword ───────────────────────────────────────────────────────────────

	reg.RegisterKeyword("onnx", func(entry config.ProviderEntry) (keyword.Engine, error) {
		var opts []onnx.Option
		if lib := optString(entry.Options, "library_path"); lib != "" {
			opts = append(opts, onnx.WithLibraryPath(lib))
		}
		if p := optString(entry.Options, onnx.OptionMelspecModel); p != "" {
			opts = append(opts, onnx.WithMelspecModel(p))
		}
		if p := optString(entry.Options, onnx.OptionEmbeddingModel); p != "" {
			opts = append(opts, onnx.WithEmbeddingModel(p))
		}
		return onnx.New(opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "speech_frames"); n > 0 {
			opts = append(opts, energy.WithSpeechFrames(n))
		}
		if d := optDuration(entry.Options, "silence_duration"); d > 0 {
			opts = append(opts, energy.WithSilenceDuration(d))
		}
		return energy.New(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("mic", func(config.ProviderEntry) (audio.Source, error) {
		return mic.New(format, mic.WithPeriod(cfg.Audio.ChunkMs))
	})

	reg.RegisterAudio("synth", func(entry config.ProviderEntry) (audio.Source, error) {
		opts := []synth.Option{synth.WithFormat(format), synth.WithChunkDuration(period)}
		if hz := optFloat(entry.Options, "tone_hz"); hz > 0 {
			opts = append(opts, synth.WithTone(hz, optFloat(entry.Options, "amplitude")))
		}
		return synth.New(opts...), nil
	})

	// ── Uplink ────────────────────────────────────────────────────────────────

	reg.RegisterUplink("websocket", func(entry config.ProviderEntry) (uplink.Link, error) {
		var opts []websocket.Option
		if headers, ok := entry.Options["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					opts = append(opts, websocket.WithHeader(k, s))
				}
			}
		}
		if enc := optString(entry.Options, "encoding"); enc != "" {
			opts = append(opts, websocket.WithEncoding(enc))
		}
		if d := optDuration(entry.Options, "write_timeout"); d > 0 {
			opts = append(opts, websocket.WithWriteTimeout(d))
		}
		return websocket.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"keyword", "vad", "audio", "uplink"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Keyword, err = reg.CreateKeyword(cfg.Providers.Keyword); err != nil {
		return nil, fmt.Errorf("create keyword provider %q: %w", cfg.Providers.Keyword.Name, err)
	}
	slog.Info("provider created", "kind", "keyword", "name", cfg.Providers.Keyword.Name)

	if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	if ps.Audio, err = reg.CreateAudio(cfg.Providers.Audio); err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	if name := cfg.Providers.Uplink.Name; name != "" {
		if ps.Uplink, err = reg.CreateUplink(cfg.Providers.Uplink); err != nil {
			return nil, fmt.Errorf("create uplink provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "uplink", "name", name)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       puertocho startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Keyword", providerValue(cfg.Providers.Keyword.Name, cfg.WakeWord.ModelPath))
	printRow("VAD", providerValue(cfg.Providers.VAD.Name, ""))
	printRow("Audio", providerValue(cfg.Providers.Audio.Name, ""))
	printRow("Uplink", providerValue(cfg.Providers.Uplink.Name, cfg.Providers.Uplink.BaseURL))
	printRow("Device", fmt.Sprintf("%d Hz × %d ch", cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("Channels", string(cfg.WakeWord.ChannelMode)+"/"+string(cfg.WakeWord.Policy))
	printRow("Keywords", strings.Join(cfg.WakeWord.Keywords, ","))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(name, detail string) string {
	switch {
	case name == "":
		return "(not configured)"
	case detail != "":
		return name + " / " + detail
	}
	return name
}

func printRow(label, value string) {
	if value == "" {
		value = "-"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
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

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts the integer and float forms YAML produces.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// optDuration parses a duration string such as "800ms".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}

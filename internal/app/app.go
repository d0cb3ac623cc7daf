// Package app wires all voxpipe subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds every subsystem from a
// loaded config, Run serves until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject provider doubles via functional options (WithSTT,
// WithLLM, WithTTS). When an option is not provided, New constructs the
// configured provider chain through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/health"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/internal/server"
	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/internal/tools/builtin/clock"
	"github.com/voxpipe/voxpipe/internal/tools/builtin/dice"
	"github.com/voxpipe/voxpipe/internal/tools/mcptools"
	"github.com/voxpipe/voxpipe/internal/transcript"
	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// App owns all subsystem lifetimes for one voxpipe server.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	// logLevel, when set, lets config reloads change verbosity live.
	logLevel *slog.LevelVar

	// configPath, when set, enables the config file watcher.
	configPath string

	// Provider slots. Each holds the full fallback chain built from config,
	// or a bare provider injected through an option. STT and TTS are nil
	// when neither config nor options supply one.
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider

	metrics   *observe.Metrics
	toolReg   *tools.Registry
	mcp       *mcptools.Client
	corrector *transcript.Corrector
	pipe      *pipeline.Pipeline
	server    *server.Server
	watcher   *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogLevelVar hands the App the level variable behind the process
// logger so config reloads can adjust verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithSTT injects a speech-to-text provider instead of building the
// configured chain.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.stt = p }
}

// WithLLM injects a response generator instead of building the configured
// chain.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithTTS injects a speech synthesiser instead of building the configured
// chain.
func WithTTS(p tts.Provider) Option {
	return func(a *App) { a.tts = p }
}

// WithToolRegistry injects a pre-populated tool registry. Builtins and MCP
// imports are still added to it.
func WithToolRegistry(r *tools.Registry) Option {
	return func(a *App) { a.toolReg = r }
}

// WithConfigFile enables the config file watcher on path, applying
// hot-reloadable changes while the server runs.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry maps
// provider names from cfg to their constructors; main registers the built-in
// set. Use Option functions to inject test doubles for any provider slot.
//
// New performs all initialisation synchronously: provider construction and
// warm-up, tool imports, and server assembly. The returned App is ready for
// Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	// Instruments come from the global meter provider: the SDK one when
	// main initialised telemetry, a no-op otherwise (tests).
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}
	a.metrics = metrics

	// ── 2. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Provider warm-up ──────────────────────────────────────────────
	if err := a.initializeProviders(ctx); err != nil {
		return nil, fmt.Errorf("app: warm up providers: %w", err)
	}

	// ── 4. Tool registry ─────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. Transcript corrector ──────────────────────────────────────────
	// Always built, even with an empty vocabulary, so terms added by a
	// config reload take effect without a restart.
	a.corrector = transcript.New(cfg.Pipeline.Vocabulary)

	// ── 6. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders builds the fallback chain for each provider slot that was
// not injected. The LLM slot is required; STT and TTS stay nil when the
// config leaves them out.
func (a *App) initProviders() error {
	fbCfg := resilience.FallbackConfig{Logger: a.log}

	if a.llm == nil {
		entry := a.cfg.Providers.LLM
		if entry.Name == "" {
			return errors.New("providers.llm is required")
		}
		primary, err := a.reg.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		chain := resilience.NewLLMFallback(primary, entry.Name, fbCfg)
		for _, fb := range a.cfg.Providers.LLMFallbacks {
			p, err := a.reg.CreateLLM(fb)
			if err != nil {
				return fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, p)
		}
		a.llm = chain
		a.log.Info("llm chain built", "primary", entry.Name, "fallbacks", len(a.cfg.Providers.LLMFallbacks))
	}

	if a.stt == nil && a.cfg.Providers.STT.Name != "" {
		entry := a.cfg.Providers.STT
		primary, err := a.reg.CreateSTT(entry)
		if err != nil {
			return fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		chain := resilience.NewSTTFallback(primary, entry.Name, fbCfg)
		for _, fb := range a.cfg.Providers.STTFallbacks {
			p, err := a.reg.CreateSTT(fb)
			if err != nil {
				return fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, p)
		}
		a.stt = chain
		a.log.Info("stt chain built", "primary", entry.Name, "fallbacks", len(a.cfg.Providers.STTFallbacks))
	}

	if a.tts == nil && a.cfg.Providers.TTS.Name != "" {
		entry := a.cfg.Providers.TTS
		primary, err := a.reg.CreateTTS(entry)
		if err != nil {
			return fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		chain := resilience.NewTTSFallback(primary, entry.Name, fbCfg)
		for _, fb := range a.cfg.Providers.TTSFallbacks {
			p, err := a.reg.CreateTTS(fb)
			if err != nil {
				return fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, p)
		}
		a.tts = chain
		a.log.Info("tts chain built", "primary", entry.Name, "fallbacks", len(a.cfg.Providers.TTSFallbacks))
	}

	return nil
}

// initializeProviders warms all provider slots concurrently. Model loads
// dominate startup, so the slots overlap rather than queue.
func (a *App) initializeProviders(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	warm := func(kind string, p resilience.Provider) {
		g.Go(func() error {
			progress := func(msg string) {
				a.log.Info("provider init", "kind", kind, "message", msg)
			}
			if err := p.Initialize(gctx, progress); err != nil {
				return fmt.Errorf("initialise %s: %w", kind, err)
			}
			a.log.Info("provider ready", "kind", kind)
			return nil
		})
	}

	warm("llm", a.llm)
	if a.stt != nil {
		warm("stt", a.stt)
	}
	if a.tts != nil {
		warm("tts", a.tts)
	}
	return g.Wait()
}

// initTools registers the builtin tools and imports tools from every
// configured MCP server.
func (a *App) initTools(ctx context.Context) error {
	if a.toolReg == nil {
		a.toolReg = tools.NewRegistry()
	}

	builtins := append(dice.Tools(), clock.Tools()...)
	for _, t := range builtins {
		if err := a.toolReg.Register(t); err != nil {
			return fmt.Errorf("register builtin tool %q: %w", t.Definition.Name, err)
		}
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	client := mcptools.New(a.log)
	a.mcp = client
	a.closers = append(a.closers, client.Close)

	for _, srv := range a.cfg.MCP.Servers {
		scfg := mcptools.ServerConfig{Name: srv.Name, Env: srv.Env}
		switch srv.Transport {
		case config.MCPTransportStreamableHTTP:
			scfg.URL = srv.URL
			scfg.Token = srv.Token
		default:
			scfg.Command = srv.Command
		}

		imported, err := client.Connect(ctx, scfg)
		if err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		for _, t := range imported {
			if err := a.toolReg.Register(t); err != nil {
				// A name collision with a builtin or another server's
				// tool; the first registration wins.
				a.log.Warn("skipping MCP tool", "server", srv.Name, "tool", t.Definition.Name, "err", err)
			}
		}
	}

	return nil
}

// initPipeline assembles the turn orchestrator from the provider slots and
// the pipeline config.
func (a *App) initPipeline() error {
	popts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithTools(a.toolReg),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTranscriptCorrector(a.correctTranscript),
	}
	if a.stt != nil {
		popts = append(popts, pipeline.WithSTT(a.stt))
	}
	if a.tts != nil {
		popts = append(popts, pipeline.WithTTS(a.tts))
	}
	if a.cfg.Pipeline.SystemPrompt != "" {
		popts = append(popts, pipeline.WithSystemPrompt(a.cfg.Pipeline.SystemPrompt))
	}
	if len(a.cfg.Pipeline.FillerPhrases) > 0 {
		popts = append(popts, pipeline.WithFillerPhrases(a.cfg.Pipeline.FillerPhrases...))
	}
	if a.cfg.Pipeline.MaxConcurrentTTS > 0 {
		popts = append(popts, pipeline.WithMaxConcurrentTTS(a.cfg.Pipeline.MaxConcurrentTTS))
	}

	pipe, err := pipeline.New(a.llm, popts...)
	if err != nil {
		return err
	}
	a.pipe = pipe
	return nil
}

// correctTranscript runs speech-to-text output through the vocabulary
// corrector.
func (a *App) correctTranscript(text string) string {
	corrected, changes := a.corrector.Correct(text)
	if len(changes) > 0 {
		a.log.Debug("transcript corrected", "changes", len(changes))
	}
	return corrected
}

// initServer builds the health handler and the WebSocket server around the
// pipeline.
func (a *App) initServer() {
	checkers := []health.Checker{health.ProviderChecker("llm", a.llm)}
	if a.stt != nil {
		checkers = append(checkers, health.ProviderChecker("stt", a.stt))
	}
	if a.tts != nil {
		checkers = append(checkers, health.ProviderChecker("tts", a.tts))
	}
	if a.mcp != nil {
		checkers = append(checkers, health.Checker{Name: "mcp", Check: a.mcp.Ping})
	}

	sopts := []server.Option{
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(checkers...)),
	}
	if a.cfg.Server.ListenAddr != "" {
		sopts = append(sopts, server.WithAddr(a.cfg.Server.ListenAddr))
	}
	if len(a.cfg.Server.OriginPatterns) > 0 {
		sopts = append(sopts, server.WithOriginPatterns(a.cfg.Server.OriginPatterns...))
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		sopts = append(sopts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}

	a.server = server.New(a.pipe, sopts...)
}

// initWatcher starts the config file watcher when a path was supplied.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfigChange,
		config.WithWatcherLogger(a.log))
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfigChange applies the hot-reloadable parts of a config change and
// logs everything that needs a restart.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.SlogLevel())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change ignored; no level var wired")
		}
	}
	if d.FillerPhrasesChanged {
		a.pipe.SetFillerPhrases(d.NewFillerPhrases...)
		a.log.Info("filler phrases reloaded", "count", len(d.NewFillerPhrases))
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(d.NewVocabulary)
		a.log.Info("vocabulary reloaded", "terms", len(d.NewVocabulary))
	}
	for _, path := range d.RestartRequired {
		a.log.Warn("config change requires restart", "path", path)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves WebSocket clients and the operational endpoints until ctx is
// cancelled, then drains sessions and shuts the listener down.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("app running",
		"stt", a.stt != nil,
		"tts", a.tts != nil,
		"tools", a.toolReg.Len(),
	)
	return a.server.Run(ctx)
}

// Handler exposes the server's HTTP handler for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// SessionCount reports the number of connected sessions.
func (a *App) SessionCount() int {
	return a.server.SessionCount()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Command voxpipe is the main entry point for the voxpipe voice assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxpipe/voxpipe/internal/app"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/provider/llm/anyllm"
	"github.com/voxpipe/voxpipe/pkg/provider/llm/llamacpp"
	oaillm "github.com/voxpipe/voxpipe/pkg/provider/llm/openai"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	"github.com/voxpipe/voxpipe/pkg/provider/stt/deepgram"
	oaistt "github.com/voxpipe/voxpipe/pkg/provider/stt/openai"
	"github.com/voxpipe/voxpipe/pkg/provider/stt/whisper"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/provider/tts/coqui"
	"github.com/voxpipe/voxpipe/pkg/provider/tts/elevenlabs"
	oaitts "github.com/voxpipe/voxpipe/pkg/provider/tts/openai"
	"github.com/voxpipe/voxpipe/pkg/provider/tts/say"
)

// version is stamped by the build via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxpipe", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpipe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level sits behind a LevelVar so config reloads can adjust it.
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voxpipe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "voxpipe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLogger(logger),
		app.WithLogLevelVar(levelVar),
		app.WithConfigFile(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// voxpipe. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt": {"whisper", "whisper-native", "deepgram", "openai"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"tts": {"elevenlabs", "coqui", "openai", "say"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. cfg supplies cross-cutting values
// such as the recognition vocabulary.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if tmp, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, oaillm.WithTemperature(tmp))
		}
		if n, ok := optInt(entry.Options, "max_tokens"); ok {
			opts = append(opts, oaillm.WithMaxTokens(n))
		}
		return oaillm.New(apiKeyOrEnv(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, and groq all go through the
	// any-llm gateway with the same optional APIKey + BaseURL pattern.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterLLM("llamacpp", func(entry config.ProviderEntry) (llm.Provider, error) {
		binary := optString(entry.Options, "binary")
		if binary == "" {
			binary = "llama-cli"
		}
		var opts []llamacpp.Option
		if n, ok := optInt(entry.Options, "context_size"); ok {
			opts = append(opts, llamacpp.WithContextSize(n))
		}
		if n, ok := optInt(entry.Options, "max_tokens"); ok {
			opts = append(opts, llamacpp.WithMaxTokens(n))
		}
		if tmp, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, llamacpp.WithTemperature(tmp))
		}
		if n, ok := optInt(entry.Options, "threads"); ok {
			opts = append(opts, llamacpp.WithThreads(n))
		}
		return llamacpp.New(binary, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelRef := entry.Model
		if modelRef == "" {
			modelRef = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelRef, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		// The pipeline vocabulary doubles as recognition keywords, so
		// domain terms are boosted at the acoustic stage too.
		if kws := keywordsFromVocabulary(cfg.Pipeline.Vocabulary); len(kws) > 0 {
			opts = append(opts, deepgram.WithKeywords(kws...))
		}
		return deepgram.New(apiKeyOrEnv(entry, "DEEPGRAM_API_KEY"), opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(apiKeyOrEnv(entry, "OPENAI_API_KEY"), opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(apiKeyOrEnv(entry, "ELEVENLABS_API_KEY"), opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, coqui.WithVoice(voice))
		}
		if rate, ok := optInt(entry.Options, "sample_rate"); ok {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		if speed, ok := optFloat(entry.Options, "speed"); ok {
			opts = append(opts, oaitts.WithSpeed(speed))
		}
		return oaitts.New(apiKeyOrEnv(entry, "OPENAI_API_KEY"), opts...)
	})

	reg.RegisterTTS("say", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []say.Option
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, say.WithVoice(voice))
		}
		if command := optString(entry.Options, "command"); command != "" {
			parts := strings.Fields(command)
			opts = append(opts, say.WithCommand(parts[0], parts[1:]...))
		}
		return say.New(opts...), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxpipe — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fallbacks := len(cfg.Providers.STTFallbacks) + len(cfg.Providers.LLMFallbacks) + len(cfg.Providers.TTSFallbacks)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", fallbacks)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Vocabulary      : %-19d ║\n", len(cfg.Pipeline.Vocabulary))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKeyOrEnv returns the entry's API key, falling back to the named
// environment variable when the config leaves it empty.
func apiKeyOrEnv(entry config.ProviderEntry, envVar string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(envVar)
}

// keywordsFromVocabulary converts corrector vocabulary terms into Deepgram
// recognition keywords with a modest boost.
func keywordsFromVocabulary(terms []string) []deepgram.Keyword {
	kws := make([]deepgram.Keyword, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		kws = append(kws, deepgram.Keyword{Term: term, Boost: 2})
	}
	return kws
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optFloat extracts a float value from a provider Options map.
func optFloat(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

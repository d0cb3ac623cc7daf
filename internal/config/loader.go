package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"coqui", "elevenlabs", "openai", "say"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Conditions that merely degrade the service (a missing optional provider,
// an unknown provider name) are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// A fallback entry without a name can never be constructed.
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTSFallbacks)...)

	// Fallbacks behind an unconfigured primary are never consulted.
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		slog.Warn("providers.stt_fallbacks is set but providers.stt is not; fallbacks are ignored")
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		slog.Warn("providers.llm_fallbacks is set but providers.llm is not; fallbacks are ignored")
	}
	if cfg.Providers.TTS.Name == "" && len(cfg.Providers.TTSFallbacks) > 0 {
		slog.Warn("providers.tts_fallbacks is set but providers.tts is not; fallbacks are ignored")
	}

	// Provider availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; only text turns will be served")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will be text-only")
	}

	// Pipeline
	if cfg.Pipeline.MaxConcurrentTTS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_tts %d must not be negative", cfg.Pipeline.MaxConcurrentTTS))
	}
	for i, phrase := range cfg.Pipeline.FillerPhrases {
		if strings.TrimSpace(phrase) == "" {
			errs = append(errs, fmt.Errorf("pipeline.filler_phrases[%d] is empty", i))
		}
	}
	for i, term := range cfg.Pipeline.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("pipeline.vocabulary[%d] is empty", i))
		}
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateFallbacks collects errors for fallback entries missing a name and
// warns about unknown names in the rest.
func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, entry := range entries {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, entry.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

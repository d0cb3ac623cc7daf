// Package config provides the configuration schema, loader, and provider
// registry for the voxpipe server.
package config

import "log/slog"

// LogLevel controls log verbosity for the voxpipe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to the corresponding [slog.Level]. Unknown values map
// to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MCPTransport selects the connection mechanism for an MCP tool server.
type MCPTransport string

const (
	// MCPTransportStdio spawns a subprocess and communicates over stdin/stdout.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP communicates via the MCP Streamable HTTP
	// protocol.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// Config is the root configuration structure for voxpipe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the voxpipe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns lists the host patterns allowed to open browser
	// WebSocket connections (e.g., "app.example.com", "*.example.org").
	// When empty, only same-origin requests are accepted.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation serves each pipeline
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// STT is the speech-to-text provider. Optional: without one the server
	// serves text turns only.
	STT ProviderEntry `yaml:"stt"`

	// LLM is the response generator. The server cannot serve turns without it.
	LLM ProviderEntry `yaml:"llm"`

	// TTS is the speech synthesiser. Optional: without one responses carry
	// no audio.
	TTS ProviderEntry `yaml:"tts"`

	// STTFallbacks are tried in order when the primary STT provider fails.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// LLMFallbacks are tried in order when the primary LLM provider fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks are tried in order when the primary TTS provider fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider kinds.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Cloud adapters fall back to their usual environment variable
	// (e.g., OPENAI_API_KEY) when this is empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the turn orchestrator.
type PipelineConfig struct {
	// SystemPrompt seeds every new conversation. When empty, the pipeline's
	// built-in default prompt is used.
	SystemPrompt string `yaml:"system_prompt"`

	// FillerPhrases are short spoken acknowledgements synthesised while tool
	// calls run (e.g., "Let me check that for you."). When empty, built-in
	// defaults apply. Reloadable at runtime.
	FillerPhrases []string `yaml:"filler_phrases"`

	// MaxConcurrentTTS bounds how many sentences are synthesised in parallel
	// per turn. Zero selects the built-in default.
	MaxConcurrentTTS int `yaml:"max_concurrent_tts"`

	// Vocabulary lists domain terms the transcript corrector snaps misheard
	// words to (product names, jargon). Reloadable at runtime.
	Vocabulary []string `yaml:"vocabulary"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// imported into the tool registry at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server, used in
	// logs and error messages.
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport MCPTransport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http"
	// (e.g., "https://tools.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// Token is a static Bearer token sent in the Authorization header of
	// every streamable-http request. Ignored for stdio transport (use Env
	// for credential injection instead).
	Token string `yaml:"token"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

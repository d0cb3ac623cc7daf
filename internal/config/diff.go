package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The three fields
// that can be hot-reloaded (log level, filler phrases, vocabulary) carry
// their new values; every other change lands in RestartRequired and takes
// effect on the next restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FillerPhrasesChanged bool
	NewFillerPhrases     []string

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists the YAML paths of changed fields that cannot be
	// applied to a running server (e.g., "providers.llm", "server.listen_addr").
	RestartRequired []string
}

// Reloadable reports whether the diff carries any change that can be applied
// without a restart.
func (d ConfigDiff) Reloadable() bool {
	return d.LogLevelChanged || d.FillerPhrasesChanged || d.VocabularyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Pipeline.FillerPhrases, new.Pipeline.FillerPhrases) {
		d.FillerPhrasesChanged = true
		d.NewFillerPhrases = new.Pipeline.FillerPhrases
	}
	if !slices.Equal(old.Pipeline.Vocabulary, new.Pipeline.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = new.Pipeline.Vocabulary
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.origin_patterns", !slices.Equal(old.Server.OriginPatterns, new.Server.OriginPatterns))
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))

	restart("providers.stt", !entryEqual(old.Providers.STT, new.Providers.STT))
	restart("providers.llm", !entryEqual(old.Providers.LLM, new.Providers.LLM))
	restart("providers.tts", !entryEqual(old.Providers.TTS, new.Providers.TTS))
	restart("providers.stt_fallbacks", !entriesEqual(old.Providers.STTFallbacks, new.Providers.STTFallbacks))
	restart("providers.llm_fallbacks", !entriesEqual(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks))
	restart("providers.tts_fallbacks", !entriesEqual(old.Providers.TTSFallbacks, new.Providers.TTSFallbacks))

	restart("pipeline.system_prompt", old.Pipeline.SystemPrompt != new.Pipeline.SystemPrompt)
	restart("pipeline.max_concurrent_tts", old.Pipeline.MaxConcurrentTTS != new.Pipeline.MaxConcurrentTTS)

	restart("mcp.servers", !mcpServersEqual(old.MCP.Servers, new.MCP.Servers))

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// entryEqual compares provider entries field by field. Options is a free-form
// map, so it needs a deep comparison.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}

func entriesEqual(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, entryEqual)
}

func mcpServersEqual(a, b []MCPServerConfig) bool {
	return slices.EqualFunc(a, b, func(x, y MCPServerConfig) bool {
		return x.Name == y.Name &&
			x.Transport == y.Transport &&
			x.Command == y.Command &&
			x.URL == y.URL &&
			x.Token == y.Token &&
			reflect.DeepEqual(x.Env, y.Env)
	})
}

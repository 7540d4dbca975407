package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", cfg.Server.MaxCalls))
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Media
	if cfg.Media.Encoding == audio.EncodingPCM16 {
		errs = append(errs, errors.New("media.encoding must be mulaw or alaw"))
	}
	if cfg.Media.MediaPath == "" || cfg.Media.MediaPath[0] != '/' {
		errs = append(errs, fmt.Errorf("media.media_path %q must start with /", cfg.Media.MediaPath))
	}
	// The call snapshot carries the codec, gate, turn and timing checks.
	if err := cfg.CallConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{"stt": cfg.Providers.STT, "llm": cfg.Providers.LLM, "tts": cfg.Providers.TTS} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
		}
		validateProviderName(kind, entry.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for kind, entries := range map[string][]ProviderEntry{"stt": cfg.Providers.Fallbacks.STT, "llm": cfg.Providers.Fallbacks.LLM, "tts": cfg.Providers.Fallbacks.TTS} {
		for i, entry := range entries {
			if entry.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, entry.Name)
		}
	}
	if v := cfg.Providers.Voice.SpeedFactor; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("providers.voice.speed_factor %.2f is out of range [0.5, 2.0]", v))
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.Voice.VoiceID == "" {
		slog.Warn("providers.voice.voice_id is empty; the synthesis provider default voice will be used", "tts_provider", cfg.Providers.TTS.Name)
	}

	// Telemetry
	if cfg.Telemetry.PostgresDSN != "" {
		if cfg.Telemetry.BufferSize <= 0 {
			errs = append(errs, errors.New("telemetry.buffer_size must be positive"))
		}
		if cfg.Telemetry.BatchSize <= 0 {
			errs = append(errs, errors.New("telemetry.batch_size must be positive"))
		}
		if cfg.Telemetry.FlushInterval <= 0 {
			errs = append(errs, errors.New("telemetry.flush_interval must be positive"))
		}
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// Providers holds the adapters new calls are wired to. STT, LLM and TTS are
// fallback groups over the configured primary and secondary backends, so a
// tripped backend is skipped for every call that starts afterwards.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// VAD is nil when no engine is configured; calls then use the energy
	// classifier.
	VAD vad.Engine

	// Names carries the primary provider names into each call's session.
	Names session.Providers

	healthy map[string]func() bool
}

// Adapters returns the pipeline view of p.
func (p *Providers) Adapters() pipeline.Adapters {
	return pipeline.Adapters{STT: p.STT, LLM: p.LLM, TTS: p.TTS, VAD: p.VAD, Names: p.Names}
}

// Healthy reports whether at least one backend of kind ("stt", "llm" or
// "tts") accepts requests. Kinds that were not built from a fallback group
// are always healthy.
func (p *Providers) Healthy(kind string) bool {
	if fn, ok := p.healthy[kind]; ok {
		return fn()
	}
	return true
}

// BuildProviders instantiates every configured backend through reg and wraps
// each adapter kind in a circuit-breaking fallback group. met may be nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, met *observe.Metrics) (*Providers, error) {
	pc := cfg.Providers
	fbCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			Kind:    kind,
			Metrics: met,
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("app: circuit breaker state change", "kind", kind, "provider", name, "from", from, "to", to)
				},
			},
		}
	}

	// ── STT ──────────────────────────────────────────────────────────────
	primarySTT, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt %q: %w", pc.STT.Name, err)
	}
	sttGroup := resilience.NewSTTFallback(primarySTT, pc.STT.Name, fbCfg("stt"))
	for _, e := range pc.Fallbacks.STT {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: create stt fallback %q: %w", e.Name, err)
		}
		sttGroup.AddFallback(e.Name, p)
	}

	// ── LLM ──────────────────────────────────────────────────────────────
	primaryLLM, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm %q: %w", pc.LLM.Name, err)
	}
	llmGroup := resilience.NewLLMFallback(primaryLLM, pc.LLM.Name, fbCfg("llm"))
	for _, e := range pc.Fallbacks.LLM {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: create llm fallback %q: %w", e.Name, err)
		}
		llmGroup.AddFallback(e.Name, p)
	}

	// ── TTS ──────────────────────────────────────────────────────────────
	primaryTTS, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts %q: %w", pc.TTS.Name, err)
	}
	ttsGroup := resilience.NewTTSFallback(primaryTTS, pc.TTS.Name, fbCfg("tts"))
	for _, e := range pc.Fallbacks.TTS {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: create tts fallback %q: %w", e.Name, err)
		}
		ttsGroup.AddFallback(e.Name, p)
	}

	// ── VAD ──────────────────────────────────────────────────────────────
	var engine vad.Engine
	if pc.VAD.Name != "" {
		engine, err = reg.CreateVAD(pc.VAD)
		if err != nil {
			return nil, fmt.Errorf("app: create vad %q: %w", pc.VAD.Name, err)
		}
	}

	return &Providers{
		STT: sttGroup,
		LLM: llmGroup,
		TTS: ttsGroup,
		VAD: engine,
		Names: session.Providers{
			STT:   pc.STT.Name,
			LLM:   pc.LLM.Name,
			TTS:   pc.TTS.Name,
			VAD:   pc.VAD.Name,
			Voice: pc.Voice.VoiceID,
		},
		healthy: map[string]func() bool{
			"stt": sttGroup.Group().Healthy,
			"llm": llmGroup.Group().Healthy,
			"tts": ttsGroup.Group().Healthy,
		},
	}, nil
}

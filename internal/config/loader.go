package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "deepgram"},
	"tts": {"coqui", "elevenlabs"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued knob with its documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ManagementAddr == "" {
		cfg.Server.ManagementAddr = ":8082"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}

	if cfg.Greeting.Message == "" {
		cfg.Greeting.Message = "Olá, seja bem-vindo! Em que posso ajudar?"
	}
	if cfg.Greeting.DelaySeconds <= 0 {
		cfg.Greeting.DelaySeconds = 0.5
	}

	if cfg.System.SilenceThresholdSeconds <= 0 {
		cfg.System.SilenceThresholdSeconds = 1.5
	}
	if cfg.System.ResidentMaxSilenceSeconds <= 0 {
		cfg.System.ResidentMaxSilenceSeconds = 45
	}
	if cfg.System.MaxTransactionTimeSeconds <= 0 {
		cfg.System.MaxTransactionTimeSeconds = 60
	}
	if cfg.System.GoodbyeDelaySeconds <= 0 {
		cfg.System.GoodbyeDelaySeconds = 1
	}
	if cfg.System.VoiceDetectionType == "" {
		cfg.System.VoiceDetectionType = DetectBasicVAD
	}
	if cfg.System.SpeechSegmentTimeoutMs <= 0 {
		cfg.System.SpeechSegmentTimeoutMs = 800
	}

	if cfg.Audio.TransmissionDelayMs <= 0 {
		cfg.Audio.TransmissionDelayMs = 10
	}
	if cfg.Audio.PostAudioDelaySeconds <= 0 {
		cfg.Audio.PostAudioDelaySeconds = 0.3
	}
	if cfg.Audio.DiscardBufferFrames <= 0 {
		cfg.Audio.DiscardBufferFrames = 15
	}
	if cfg.Audio.CacheDir == "" {
		cfg.Audio.CacheDir = "audio/cache"
	}

	gm := &cfg.CallTermination.GoodbyeMessages
	if gm.Visitor.Authorized == "" {
		gm.Visitor.Authorized = "O morador autorizou sua entrada. Até logo!"
	}
	if gm.Visitor.Denied == "" {
		gm.Visitor.Denied = "O morador não autorizou sua entrada. Até logo."
	}
	if gm.Visitor.Default == "" {
		gm.Visitor.Default = "Encerrando a chamada. Até logo."
	}
	if gm.Resident.Authorized == "" {
		gm.Resident.Authorized = "Entrada autorizada. Obrigado!"
	}
	if gm.Resident.Denied == "" {
		gm.Resident.Denied = "Entrada negada. Obrigado!"
	}
	if gm.Resident.Default == "" {
		gm.Resident.Default = "Encerrando a chamada. Obrigado!"
	}

	if cfg.Orchestrator.MaxAttempts <= 0 {
		cfg.Orchestrator.MaxAttempts = 2
	}
	if cfg.Orchestrator.AttemptTimeoutSeconds <= 0 {
		cfg.Orchestrator.AttemptTimeoutSeconds = 10
	}

	if len(cfg.Dialog.AffirmativeTokens) == 0 {
		cfg.Dialog.AffirmativeTokens = []string{"sim", "pode", "autorizo", "autorizado", "yes"}
	}
	if len(cfg.Dialog.NegativeTokens) == 0 {
		cfg.Dialog.NegativeTokens = []string{"não", "nao", "nego", "negado", "no"}
	}

	if cfg.Bus.RoutingKey == "" {
		cfg.Bus.RoutingKey = "voip1-in"
	}

	if cfg.Database.NotifyChannel == "" {
		cfg.Database.NotifyChannel = "extensions_changed"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.System.VoiceDetectionType.IsValid() {
		errs = append(errs, fmt.Errorf("system.voice_detection_type %q is invalid; valid values: basic-vad, streaming-recognizer", cfg.System.VoiceDetectionType))
	}
	if cfg.System.SilenceThresholdSeconds > cfg.System.MaxTransactionTimeSeconds {
		errs = append(errs, fmt.Errorf("system.silence_threshold_seconds (%.1f) exceeds max_transaction_time_seconds (%.1f)",
			cfg.System.SilenceThresholdSeconds, cfg.System.MaxTransactionTimeSeconds))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Bus.URL == "" {
		slog.Warn("bus.url is empty; outbound click-to-call will fail and sessions will be aborted at the calling stage")
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; extension directory will fall back to the local snapshot")
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

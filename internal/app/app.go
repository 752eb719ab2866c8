// Package app assembles the Porteiro service: session registry, resource
// manager, conversation machine, outbound dialer, extension listeners,
// directory watcher, and the management API, all wired over the configured
// capability providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tecvoz/porteiro/internal/bus"
	"github.com/tecvoz/porteiro/internal/config"
	"github.com/tecvoz/porteiro/internal/dialer"
	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/extension"
	"github.com/tecvoz/porteiro/internal/flow"
	"github.com/tecvoz/porteiro/internal/health"
	"github.com/tecvoz/porteiro/internal/intent"
	"github.com/tecvoz/porteiro/internal/leg"
	"github.com/tecvoz/porteiro/internal/mgmtapi"
	"github.com/tecvoz/porteiro/internal/observe"
	"github.com/tecvoz/porteiro/internal/phrasecache"
	"github.com/tecvoz/porteiro/internal/resilience"
	"github.com/tecvoz/porteiro/internal/resource"
	"github.com/tecvoz/porteiro/internal/session"
	"github.com/tecvoz/porteiro/internal/vad"
	"github.com/tecvoz/porteiro/pkg/provider/llm"
	"github.com/tecvoz/porteiro/pkg/provider/stt"
	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// residentSegmentTimeoutMs is the shortened end-of-segment timeout used on
// the resident leg so bare "sim"/"não" replies commit quickly.
const residentSegmentTimeoutMs = 500

// Providers carries the instantiated external capabilities.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App is the assembled service.
type App struct {
	cfg       *config.Config
	registry  *session.Registry
	resources *resource.Manager
	machine   *flow.Machine
	dialer    *dialer.Orchestrator
	publisher bus.Publisher
	cache     *phrasecache.Cache
	store     directory.Store
	watcher   *directory.Watcher
	exts      *extension.Manager
	api       *mgmtapi.Server
	pool      *pgxpool.Pool
	tts       tts.Provider
	stt       stt.Provider
}

// unconfiguredPublisher fails every publish. The bus is a hard dependency:
// leaving it unconfigured surfaces as a session abort with an apology, never
// as a silent no-op.
type unconfiguredPublisher struct{}

func (unconfiguredPublisher) Publish(context.Context, bus.ClickToCall) error {
	return fmt.Errorf("%w: bus.url is not configured", bus.ErrBusFatal)
}

func (unconfiguredPublisher) Ready(context.Context) error {
	return fmt.Errorf("%w: bus.url is not configured", bus.ErrBusFatal)
}

func (unconfiguredPublisher) Close() error { return nil }

// New wires the application from configuration and providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.LLM == nil {
		return nil, errors.New("app: stt, tts, and llm providers are required")
	}

	a := &App{cfg: cfg}

	// Capability wrappers: transient failures retry inside the capability
	// layer; the breakers shed load from a dead backend.
	retryCfg := resilience.RetryConfig{}
	a.stt = resilience.NewSTT(providers.STT, "stt", retryCfg, resilience.BreakerConfig{})
	a.tts = resilience.NewTTS(providers.TTS, "tts", retryCfg, resilience.BreakerConfig{})
	wrappedLLM := resilience.NewLLM(providers.LLM, "llm", retryCfg, resilience.BreakerConfig{})

	// Session registry + resource manager.
	a.registry = session.NewRegistry(session.DefaultCleanupGrace)

	limits := resource.Limits{
		Transcriptions: cfg.Resources.MaxConcurrentTranscriptions,
		Synthesis:      cfg.Resources.MaxConcurrentSynthesis,
	}
	if limits.Transcriptions <= 0 || limits.Synthesis <= 0 {
		detected := resource.DetectLimits()
		if limits.Transcriptions <= 0 {
			limits.Transcriptions = detected.Transcriptions
		}
		if limits.Synthesis <= 0 {
			limits.Synthesis = detected.Synthesis
		}
	}
	a.resources = resource.NewManager(limits, cfg.TransmissionDelay())
	a.registry.SetOnRemove(a.resources.UnregisterSession)

	// Phrase cache.
	cache, err := phrasecache.New(cfg.Audio.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.cache = cache

	// Directory store: PostgreSQL when configured, otherwise an empty
	// in-memory store (the extension manager still falls back to the local
	// snapshot for listeners).
	if cfg.Database.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: directory pool: %w", err)
		}
		a.pool = pool
		a.store = directory.NewPostgres(pool)
		a.watcher = directory.NewWatcher(cfg.Database.PostgresDSN, cfg.Database.NotifyChannel)
	} else {
		a.store = directory.NewMemStore()
	}

	// Click-to-call bus.
	if cfg.Bus.URL != "" {
		pub, err := bus.NewAMQP(bus.AMQPConfig{
			URL:        cfg.Bus.URL,
			Exchange:   cfg.Bus.Exchange,
			RoutingKey: cfg.Bus.RoutingKey,
			License:    cfg.Bus.License,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.publisher = pub
	} else {
		a.publisher = unconfiguredPublisher{}
	}

	// Conversation machine + outbound orchestrator.
	a.dialer = dialer.New(ctx, a.publisher, cfg.Orchestrator.MaxAttempts, cfg.AttemptTimeout())
	a.machine = flow.New(intent.New(wrappedLLM), a.store, a.registry, a.dialer, cfg)
	a.dialer.SetCallbacks(dialer.Callbacks{
		DialFailed: a.machine.OnDialFailed,
		BusFatal:   a.machine.OnBusFatal,
	})

	// Extension listeners feeding leg handlers.
	a.exts = extension.NewManager(ctx, a.store, cfg.Server.DataDir, a.handleConn)

	// Management API. The bus is critical (no bus, no resident calls); a
	// directory outage only pauses change notifications, so it degrades.
	checkers := []health.Checker{
		{Name: "bus", Critical: true, Check: a.publisher.Ready},
		{Name: "directory", Check: a.store.Ping},
	}
	a.api = mgmtapi.New(a.registry, a.resources, a.exts, a.store, a.machine,
		health.New(checkers...), observe.DefaultMetrics())

	return a, nil
}

// handleConn adapts one accepted connection into a leg handler run.
func (a *App) handleConn(ctx context.Context, conn net.Conn, role session.Role, _ directory.Extension, port int) {
	leg.Handle(ctx, conn, a.legConfig(role, port), leg.Deps{
		Registry:    a.registry,
		Flow:        a.machine,
		Resources:   a.resources,
		Transcriber: a.stt,
		Synthesizer: a.tts,
		Cache:       a.cache,
		Metrics:     observe.DefaultMetrics(),
	})
}

// legConfig derives the per-role leg tuning from the service configuration.
func (a *App) legConfig(role session.Role, port int) leg.Config {
	cfg := a.cfg
	c := leg.Config{
		Role:               role,
		Port:               port,
		Voice:              cfg.Greeting.Voice,
		MaxTransactionTime: cfg.MaxTransactionTime(),
		GoodbyeDelay:       cfg.GoodbyeDelay(),
		PostAudioDelay:     cfg.PostAudioDelay(),
		DiscardFrames:      cfg.Audio.DiscardBufferFrames,
		NewDetector:        a.newDetector,
		STTOptions:         stt.Options{SegmentTimeoutMs: cfg.System.SpeechSegmentTimeoutMs},
	}

	switch role {
	case session.RoleVisitor:
		c.Greeting = cfg.Greeting.Message
		c.GreetingDelay = cfg.GreetingDelay()
		c.SilenceBudget = cfg.SilenceThreshold()
		c.Filter = vad.NewFilter(false)
	case session.RoleResident:
		c.SilenceBudget = cfg.ResidentMaxSilence()
		c.Filter = vad.NewFilter(true)
		c.STTOptions.SegmentTimeoutMs = residentSegmentTimeoutMs
	}
	return c
}

// newDetector builds a detector per the configured detection type.
func (a *App) newDetector() vad.Detector {
	switch a.cfg.System.VoiceDetectionType {
	case config.DetectStreamingRecognizer:
		return vad.NewRecognizer(vad.RecognizerConfig{
			SegmentTimeoutMs: a.cfg.System.SpeechSegmentTimeoutMs,
		})
	default:
		return vad.NewEnergy(vad.EnergyConfig{})
	}
}

// Run starts every long-lived worker and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.resources.Run(ctx)

	if a.watcher != nil {
		go a.watcher.Run(ctx)
		go a.exts.HandleEvents(ctx, a.watcher.Events())
	}

	if err := a.exts.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	// Pre-warm the phrase cache with the fixed phrases of the dialog.
	go a.cache.Warm(ctx, a.tts, a.cfg.Greeting.Voice, a.warmPhrases())

	return a.api.Serve(ctx, a.cfg.Server.ManagementAddr)
}

// warmPhrases lists the canned phrases worth synthesizing at startup.
func (a *App) warmPhrases() []string {
	gm := a.cfg.CallTermination.GoodbyeMessages
	return []string{
		a.cfg.Greeting.Message,
		"Obrigado, temos todos os dados. Vou chamar o morador agora, aguarde na linha.",
		"O morador atendeu. Aguarde a resposta.",
		"Olá, morador! Você está em ligação com a portaria inteligente.",
		"Não entendi. Responda SIM para autorizar ou NÃO para negar.",
		"Não consegui contato com o morador. Tente novamente mais tarde.",
		gm.Visitor.Authorized, gm.Visitor.Denied, gm.Visitor.Default,
		gm.Resident.Authorized, gm.Resident.Denied, gm.Resident.Default,
	}
}

// ApplyConfig applies a hot-reloaded configuration. Only the safely
// reloadable knobs change; everything else requires a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.GoodbyesChanged || d.DialogChanged {
		a.machine.UpdateConfig(new)
	}
	if d.PacingChanged {
		a.resources.SetBaseDelay(new.TransmissionDelay())
	}
	if d.GreetingChanged || d.GoodbyesChanged || d.PacingChanged || d.DialogChanged {
		a.cfg.Greeting = new.Greeting
		a.cfg.CallTermination = new.CallTermination
		a.cfg.Audio = new.Audio
		a.cfg.Dialog = new.Dialog
	}
	slog.Info("configuration hot-reloaded",
		"greeting", d.GreetingChanged, "goodbyes", d.GoodbyesChanged,
		"pacing", d.PacingChanged, "dialog", d.DialogChanged)
}

// Shutdown releases external resources after the run context is cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	a.exts.Shutdown()

	// Give in-flight sessions a moment to observe their latches.
	for _, snap := range a.registry.List() {
		a.registry.End(snap.CallID)
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.registry.Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	var errs []error
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

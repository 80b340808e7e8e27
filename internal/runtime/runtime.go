package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/router"
	"github.com/loqalabs/loqa-speech/internal/session"
	ttsservice "github.com/loqalabs/loqa-speech/internal/tts/service"
)

const (
	statusStream    = "TTS_STATUS"
	statusRetention = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool

	speech   *Speech
	manager  *session.Manager
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	tts      *ttsservice.Service
	llm      *llm.Service
	router   *router.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then shuts every component down.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           r.routes(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	r.shutdown()
	return err
}

// build wires the speech stack and, when the bus is enabled, the bus services.
func (r *Runtime) build(ctx context.Context) error {
	speech, err := NewSpeech(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.speech = speech
	r.manager = session.NewManager(speech.Options, r.cfg.Session, r.logger)

	if !r.cfg.Bus.Enabled {
		return nil
	}

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		r.embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	if err := r.bus.EnsureStream(statusStream, []string{protocol.SubjectTTSDone}, statusRetention); err != nil {
		r.logger.Warn("status stream unavailable", slogError(err))
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.localCapabilities(), r.bus, r.logger,
		capability.WithLoad(func() capability.Load { return capability.Load{Sessions: r.manager.Active()} }))
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}

	r.tts = ttsservice.NewService(ctx, r.cfg.TTS, r.bus, r.manager, r.logger)
	if err := r.tts.Start(); err != nil {
		return err
	}

	if r.cfg.LLM.Enabled {
		generator, err := llm.NewGenerator(r.cfg.LLM)
		if err != nil {
			return err
		}
		r.llm = llm.NewService(ctx, r.cfg.LLM, r.bus, generator, r.logger)
		if err := r.llm.Start(); err != nil {
			return err
		}
	}

	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.logger)
	return r.router.Start()
}

// shutdown closes whatever build created, producers before their dependencies.
func (r *Runtime) shutdown() {
	if r.router != nil {
		r.router.Close()
	}
	if r.llm != nil {
		r.llm.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.manager != nil {
		r.manager.Shutdown()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.speech != nil {
		if err := r.speech.Close(); err != nil {
			r.logger.Error("speech shutdown error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) componentsHealthy() bool {
	switch {
	case r.bus != nil && !r.bus.Healthy():
		return false
	case r.tts != nil && !r.tts.Healthy():
		return false
	case r.llm != nil && !r.llm.Healthy():
		return false
	case r.router != nil && !r.router.Healthy():
		return false
	}
	return true
}

// localCapabilities advertises tts.stream with the voices and pool size of this node.
func (r *Runtime) localCapabilities() []capability.Capability {
	attrs := map[string]string{
		"concurrency": strconv.Itoa(r.cfg.TTS.Concurrency),
		"sample_rate": strconv.Itoa(r.cfg.TTS.SampleRate),
		"mode":        r.cfg.TTS.Mode,
	}
	if r.manager != nil {
		catalog := r.manager.Catalog()
		attrs["voices"] = strings.Join(catalog.Voices(), ",")
		attrs["default_voice"] = catalog.Default()
	}
	return capability.WithAttributes(capability.FromConfig(r.cfg.Node.Capabilities), capability.TTSStream, attrs)
}

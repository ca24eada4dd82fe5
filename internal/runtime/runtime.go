package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/audio"
	"github.com/loqalabs/loqa-voicegate/internal/bus"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/gateway"
	"github.com/loqalabs/loqa-voicegate/internal/natsserver"
	"github.com/loqalabs/loqa-voicegate/internal/protocol"
	"github.com/loqalabs/loqa-voicegate/internal/tts"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *eventstore.Store
	bus      *bus.Client
	embedded *natsserver.EmbeddedServer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		r.closeServices()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	r.closeServices()
	r.closeTelemetry()
	return runErr
}

// setup builds every service the HTTP surface depends on. The voice catalog
// is fetched here exactly once; failure aborts startup.
func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	engine, err := newEngine(r.cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	catalog, err := r.loadCatalog(ctx, engine)
	if err != nil {
		return nil, err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return nil, fmt.Errorf("open request journal: %w", err)
	}
	r.store = store
	if err := store.Ensure(); err != nil {
		return nil, fmt.Errorf("request journal: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		return nil, err
	}

	opts := gateway.Options{
		Catalog:    catalog,
		Engine:     engine,
		Encoder:    audio.NewEncoder(r.cfg.Audio.BitDepth, r.cfg.Audio.Channels),
		Generation: r.cfg.Generation,
		Journal:    store,
		Logger:     r.logger,
	}
	if r.bus != nil {
		opts.Events = r.bus
	}
	gw, err := gateway.New(opts)
	if err != nil {
		return nil, err
	}

	if r.bus != nil {
		announce := protocol.GatewayAnnounce{
			Runtime:   r.cfg.RuntimeName,
			Engine:    r.cfg.Engine.Mode,
			ModelID:   r.cfg.Generation.ModelID,
			Voices:    catalog.Names(),
			Timestamp: time.Now().UTC(),
		}
		if err := r.bus.Announce(ctx, announce); err != nil {
			r.logger.Warn("failed to announce gateway", slogError(err))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /requests", r.handleRecent)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	gw.Register(mux)

	return withCORS(mux), nil
}

func (r *Runtime) loadCatalog(ctx context.Context, engine tts.Engine) (*tts.Catalog, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-voicegate/runtime").Start(ctx, "catalog.load")
	defer span.End()

	catalog, err := tts.LoadCatalog(ctx, engine, r.logger.With(slog.String("component", "catalog")))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load voice catalog: %w", err)
	}
	span.SetAttributes(attribute.Int("tts.voices", catalog.Len()))
	if catalog.Len() == 0 {
		r.logger.Warn("voice catalog is empty; every request will be rejected")
	}
	r.logger.Info("voice catalog loaded", slog.Int("voices", catalog.Len()))
	return catalog, nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-embedded")))
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func newEngine(cfg config.EngineConfig) (tts.Engine, error) {
	switch cfg.Mode {
	case "cartesia":
		return tts.NewCartesiaEngine(tts.CartesiaOptions{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		})
	case "exec":
		return tts.NewExecEngine(cfg.Command)
	case "mock":
		voices := make([]tts.Voice, 0, len(cfg.MockVoices))
		for _, v := range cfg.MockVoices {
			voices = append(voices, tts.Voice{ID: v.ID, Name: v.Name})
		}
		return tts.NewMockEngine(voices), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// withCORS allows every origin, method and header. Origins are reflected
// rather than answered with "*" so credentialed requests still pass.
func withCORS(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginVaryRequestFunc: func(*http.Request, string) (bool, []string) { return true, nil },
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{gateway.RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(next)
}

func (r *Runtime) closeServices() {
	if err := r.store.Close(); err != nil {
		r.logger.Error("journal close error", slogError(err))
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type recentRequest struct {
	RequestID       string    `json:"request_id"`
	Voice           string    `json:"voice"`
	VoiceID         string    `json:"voice_id,omitempty"`
	TranscriptChars int       `json:"transcript_chars"`
	Outcome         string    `json:"outcome"`
	SampleRate      int       `json:"sample_rate,omitempty"`
	Samples         int       `json:"samples,omitempty"`
	AudioBytes      int       `json:"audio_bytes,omitempty"`
	LatencyMS       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// handleRecent lists the newest journal rows. Ephemeral journals always
// answer with an empty list.
func (r *Runtime) handleRecent(w http.ResponseWriter, req *http.Request) {
	limit := defaultRecentLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := r.store.ListRecent(req.Context(), limit)
	if err != nil {
		r.logger.Error("failed to list journal", slogError(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Internal Server Error"})
		return
	}

	out := struct {
		Requests []recentRequest `json:"requests"`
	}{Requests: make([]recentRequest, 0, len(records))}
	for _, rec := range records {
		out.Requests = append(out.Requests, recentRequest{
			RequestID:       rec.RequestID,
			Voice:           rec.Voice,
			VoiceID:         rec.VoiceID,
			TranscriptChars: rec.TranscriptChars,
			Outcome:         rec.Outcome,
			SampleRate:      rec.SampleRate,
			Samples:         rec.Samples,
			AudioBytes:      rec.AudioBytes,
			LatencyMS:       rec.Latency.Milliseconds(),
			CreatedAt:       rec.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

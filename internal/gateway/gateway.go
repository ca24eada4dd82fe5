package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicegate/internal/audio"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/protocol"
	"github.com/loqalabs/loqa-voicegate/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-voicegate/gateway"

// Journal records finished requests.
type Journal interface {
	Append(ctx context.Context, rec eventstore.Record) error
}

// Publisher broadcasts finished requests.
type Publisher interface {
	PublishOutcome(ctx context.Context, outcome protocol.SynthesisOutcome) error
}

// Request is one synthesis call.
type Request struct {
	RequestID  string
	Voice      string
	Transcript string
}

// Result is a successfully encoded synthesis.
type Result struct {
	VoiceID    string
	Audio      []byte
	SampleRate int
	Samples    int
}

type Options struct {
	Catalog    *tts.Catalog
	Engine     tts.Engine
	Encoder    *audio.Encoder
	Generation config.GenerationConfig
	Journal    Journal
	Events     Publisher
	Logger     *slog.Logger
}

// Gateway resolves voices against a fixed catalog and turns engine output
// into WAV audio.
type Gateway struct {
	catalog    *tts.Catalog
	engine     tts.Engine
	encoder    *audio.Encoder
	generation config.GenerationConfig
	journal    Journal
	events     Publisher
	log        *slog.Logger
	now        func() time.Time

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(opt Options) (*Gateway, error) {
	if opt.Catalog == nil {
		return nil, errors.New("gateway requires a voice catalog")
	}
	if opt.Engine == nil {
		return nil, errors.New("gateway requires a synthesis engine")
	}
	if opt.Encoder == nil {
		return nil, errors.New("gateway requires an audio encoder")
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		catalog:    opt.Catalog,
		engine:     opt.Engine,
		encoder:    opt.Encoder,
		generation: opt.Generation,
		journal:    opt.Journal,
		events:     opt.Events,
		log:        log.With(slog.String("component", "tts-gateway")),
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := g.initMetrics(); err != nil {
		g.log.Warn("failed to initialize metrics", slogError(err))
	}
	return g, nil
}

func (g *Gateway) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("voicegate.requests", metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("voicegate.request.duration",
		metric.WithDescription("Synthesis request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	g.requests = requests
	g.latency = latency

	voices, err := meter.Int64ObservableGauge("voicegate.catalog.voices", metric.WithDescription("Voices in the loaded catalog"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(voices, int64(g.catalog.Len()))
		return nil
	}, voices)
	return err
}

// Catalog exposes the immutable voice catalog.
func (g *Gateway) Catalog() *tts.Catalog { return g.catalog }

// Synthesize runs lookup, embedding, generation and encoding in order. An
// unknown voice fails before the engine is contacted.
func (g *Gateway) Synthesize(ctx context.Context, req Request) (*Result, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway.synthesize", trace.WithAttributes(
		attribute.String("tts.voice", req.Voice),
		attribute.String("tts.request_id", req.RequestID),
		attribute.Int("tts.transcript_chars", utf8.RuneCountInString(req.Transcript)),
	))
	defer span.End()

	res, voiceID, err := g.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	g.finish(ctx, req, voiceID, res, err, g.now().Sub(start))
	return res, err
}

func (g *Gateway) synthesize(ctx context.Context, req Request) (*Result, string, error) {
	voice, ok := g.catalog.Lookup(req.Voice)
	if !ok {
		return nil, "", &Error{Kind: KindVoiceNotFound, Op: "lookup voice", Err: fmt.Errorf("voice %q not in catalog", req.Voice)}
	}

	embedding, err := g.voiceEmbedding(ctx, voice.ID)
	if err != nil {
		return nil, voice.ID, &Error{Kind: KindEngine, Op: "voice embedding", Err: err}
	}

	out, err := g.generate(ctx, req.Transcript, embedding)
	if err != nil {
		return nil, voice.ID, &Error{Kind: KindEngine, Op: "generate", Err: err}
	}

	_, span := g.tracer.Start(ctx, "gateway.encode", trace.WithAttributes(
		attribute.Int("audio.sample_rate", out.SampleRate),
		attribute.Int("audio.samples", len(out.Samples)),
	))
	data, err := g.encoder.Encode(out.Samples, out.SampleRate)
	span.End()
	if err != nil {
		return nil, voice.ID, &Error{Kind: KindEncode, Op: "encode wav", Err: err}
	}

	return &Result{
		VoiceID:    voice.ID,
		Audio:      data,
		SampleRate: out.SampleRate,
		Samples:    len(out.Samples),
	}, voice.ID, nil
}

func (g *Gateway) voiceEmbedding(ctx context.Context, voiceID string) (tts.Embedding, error) {
	ctx, span := g.tracer.Start(ctx, "engine.voice_embedding", trace.WithAttributes(attribute.String("tts.voice_id", voiceID)))
	defer span.End()
	embedding, err := g.engine.VoiceEmbedding(ctx, voiceID)
	if err != nil {
		span.RecordError(err)
	}
	return embedding, err
}

func (g *Gateway) generate(ctx context.Context, transcript string, embedding tts.Embedding) (tts.Output, error) {
	ctx, span := g.tracer.Start(ctx, "engine.generate", trace.WithAttributes(attribute.String("tts.model_id", g.generation.ModelID)))
	defer span.End()
	out, err := g.engine.Generate(ctx, tts.GenerateRequest{
		Transcript:   transcript,
		Voice:        embedding,
		ModelID:      g.generation.ModelID,
		DataRType:    g.generation.DataRType,
		OutputFormat: g.generation.OutputFormat,
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (g *Gateway) finish(ctx context.Context, req Request, voiceID string, res *Result, err error, elapsed time.Duration) {
	outcome := outcomeOf(err)
	chars := utf8.RuneCountInString(req.Transcript)

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if g.requests != nil {
		g.requests.Add(ctx, 1, attrs)
	}
	if g.latency != nil {
		g.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}

	logAttrs := []any{
		slog.String("request_id", req.RequestID),
		slog.String("voice", req.Voice),
		slog.Int("transcript_chars", chars),
		slog.String("outcome", outcome),
		slog.Duration("latency", elapsed),
	}
	switch {
	case err == nil:
		g.log.Info("synthesis completed", append(logAttrs, slog.Int("sample_rate", res.SampleRate), slog.Int("bytes", len(res.Audio)))...)
	case outcome == KindVoiceNotFound.String():
		g.log.Info("synthesis rejected", logAttrs...)
	default:
		g.log.Error("synthesis failed", append(logAttrs, slogError(err))...)
	}

	// Bookkeeping outlives a disconnected client.
	ctx = context.WithoutCancel(ctx)
	rec := eventstore.Record{
		RequestID:       req.RequestID,
		Voice:           req.Voice,
		VoiceID:         voiceID,
		TranscriptChars: chars,
		Outcome:         outcome,
		Latency:         elapsed,
		CreatedAt:       g.now().UTC(),
	}
	if res != nil {
		rec.SampleRate = res.SampleRate
		rec.Samples = res.Samples
		rec.AudioBytes = len(res.Audio)
	}
	if g.journal != nil {
		if jerr := g.journal.Append(ctx, rec); jerr != nil {
			g.log.Warn("failed to journal synthesis request", slogError(jerr))
		}
	}
	if g.events != nil {
		msg := protocol.SynthesisOutcome{
			RequestID:       rec.RequestID,
			Voice:           rec.Voice,
			VoiceID:         rec.VoiceID,
			TranscriptChars: rec.TranscriptChars,
			Outcome:         rec.Outcome,
			SampleRate:      rec.SampleRate,
			Samples:         rec.Samples,
			AudioBytes:      rec.AudioBytes,
			LatencyMS:       elapsed.Milliseconds(),
			Timestamp:       rec.CreatedAt,
		}
		if perr := g.events.PublishOutcome(ctx, msg); perr != nil {
			g.log.Warn("failed to publish synthesis outcome", slogError(perr))
		}
	}
}

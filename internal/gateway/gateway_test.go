package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voicegate/internal/audio"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/protocol"
	"github.com/loqalabs/loqa-voicegate/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	voicesCalls   atomic.Int32
	embedCalls    atomic.Int32
	generateCalls atomic.Int32

	mu          sync.Mutex
	lastVoiceID string
	lastRequest tts.GenerateRequest

	embedErr    error
	generateErr error
	output      tts.Output
}

func (f *fakeEngine) Voices(context.Context) ([]tts.Voice, error) {
	f.voicesCalls.Add(1)
	return []tts.Voice{{ID: "v1", Name: "alex"}}, nil
}

func (f *fakeEngine) VoiceEmbedding(_ context.Context, voiceID string) (tts.Embedding, error) {
	f.embedCalls.Add(1)
	f.mu.Lock()
	f.lastVoiceID = voiceID
	f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return tts.Embedding{0.5, 0.25}, nil
}

func (f *fakeEngine) Generate(_ context.Context, req tts.GenerateRequest) (tts.Output, error) {
	f.generateCalls.Add(1)
	f.mu.Lock()
	f.lastRequest = req
	f.mu.Unlock()
	if f.generateErr != nil {
		return tts.Output{}, f.generateErr
	}
	return f.output, nil
}

type memJournal struct {
	mu      sync.Mutex
	records []eventstore.Record
	err     error
}

func (j *memJournal) Append(_ context.Context, rec eventstore.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}

type memPublisher struct {
	mu       sync.Mutex
	outcomes []protocol.SynthesisOutcome
}

func (p *memPublisher) PublishOutcome(_ context.Context, msg protocol.SynthesisOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, msg)
	return nil
}

func defaultOutput() tts.Output {
	return tts.Output{Samples: []float32{0.1, -0.1, 0.0}, SampleRate: 22050}
}

func newTestGateway(t *testing.T, engine tts.Engine, journal Journal, events Publisher) *Gateway {
	t.Helper()
	gw, err := New(Options{
		Catalog:    tts.NewCatalog(tts.Voice{ID: "v1", Name: "alex"}),
		Engine:     engine,
		Encoder:    audio.NewEncoder(16, 1),
		Generation: config.Default().Generation,
		Journal:    journal,
		Events:     events,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestSynthesizeReturnsWav(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	gw := newTestGateway(t, engine, nil, nil)

	res, err := gw.Synthesize(context.Background(), Request{RequestID: "r1", Voice: "alex", Transcript: "Hello world"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if engine.embedCalls.Load() != 1 || engine.generateCalls.Load() != 1 {
		t.Fatalf("expected one call each, got embed=%d generate=%d", engine.embedCalls.Load(), engine.generateCalls.Load())
	}
	if engine.lastVoiceID != "v1" {
		t.Fatalf("expected embedding for v1, got %q", engine.lastVoiceID)
	}
	got := engine.lastRequest
	if got.Transcript != "Hello world" || got.ModelID != "upbeat-moon" || got.DataRType != "array" || got.OutputFormat != "fp32" {
		t.Fatalf("unexpected generate request %+v", got)
	}
	if len(got.Voice) != 2 || got.Voice[0] != 0.5 {
		t.Fatalf("expected embedding to be forwarded, got %v", got.Voice)
	}

	if res.VoiceID != "v1" || res.SampleRate != 22050 || res.Samples != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	dec := wav.NewDecoder(bytes.NewReader(res.Audio))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if buf.Format.SampleRate != 22050 || len(buf.Data) != 3 {
		t.Fatalf("expected 3 samples at 22050 Hz, got %d at %d", len(buf.Data), buf.Format.SampleRate)
	}
}

func TestSynthesizeUnknownVoiceSkipsEngine(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	gw := newTestGateway(t, engine, nil, nil)

	_, err := gw.Synthesize(context.Background(), Request{Voice: "nobody", Transcript: "hi"})
	if kind, ok := KindOf(err); !ok || kind != KindVoiceNotFound {
		t.Fatalf("expected voice not found, got %v", err)
	}
	if engine.embedCalls.Load() != 0 || engine.generateCalls.Load() != 0 {
		t.Fatalf("engine must not be called for unknown voices")
	}
}

func TestSynthesizeEngineFailures(t *testing.T) {
	cases := []struct {
		name   string
		engine *fakeEngine
		op     string
	}{
		{name: "embedding", engine: &fakeEngine{embedErr: errors.New("boom")}, op: "voice embedding"},
		{name: "generate", engine: &fakeEngine{generateErr: errors.New("quota")}, op: "generate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newTestGateway(t, tc.engine, nil, nil)
			_, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "hi"})
			var gwErr *Error
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected gateway error, got %v", err)
			}
			if gwErr.Kind != KindEngine || gwErr.Op != tc.op {
				t.Fatalf("unexpected error %+v", gwErr)
			}
		})
	}
}

func TestSynthesizeGenerateNotCalledAfterEmbeddingFailure(t *testing.T) {
	engine := &fakeEngine{embedErr: errors.New("boom")}
	gw := newTestGateway(t, engine, nil, nil)
	_, _ = gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "hi"})
	if engine.generateCalls.Load() != 0 {
		t.Fatalf("generate should not run after embedding failure")
	}
}

func TestSynthesizeInvalidSampleRate(t *testing.T) {
	engine := &fakeEngine{output: tts.Output{Samples: []float32{0.1}, SampleRate: 0}}
	gw := newTestGateway(t, engine, nil, nil)
	_, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "hi"})
	if kind, ok := KindOf(err); !ok || kind != KindEncode {
		t.Fatalf("expected encode error, got %v", err)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	gw := newTestGateway(t, engine, nil, nil)

	first, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "same"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "same"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !bytes.Equal(first.Audio, second.Audio) {
		t.Fatalf("identical engine output must encode identically")
	}
}

func TestSynthesizeConcurrent(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	gw := newTestGateway(t, engine, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "hi"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent synthesize: %v", err)
	}
	if engine.generateCalls.Load() != 8 {
		t.Fatalf("expected 8 generate calls, got %d", engine.generateCalls.Load())
	}
}

func TestSynthesizeRecordsOutcomes(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	journal := &memJournal{}
	events := &memPublisher{}
	gw := newTestGateway(t, engine, journal, events)

	if _, err := gw.Synthesize(context.Background(), Request{RequestID: "ok-1", Voice: "alex", Transcript: "héllo"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	_, _ = gw.Synthesize(context.Background(), Request{RequestID: "bad-1", Voice: "ghost", Transcript: "x"})

	if len(journal.records) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(journal.records))
	}
	ok := journal.records[0]
	if ok.RequestID != "ok-1" || ok.Outcome != "ok" || ok.VoiceID != "v1" || ok.TranscriptChars != 5 || ok.Samples != 3 || ok.AudioBytes != 50 {
		t.Fatalf("unexpected success record %+v", ok)
	}
	if bad := journal.records[1]; bad.Outcome != "voice_not_found" || bad.VoiceID != "" {
		t.Fatalf("unexpected failure record %+v", bad)
	}

	if len(events.outcomes) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events.outcomes))
	}
	if events.outcomes[0].SampleRate != 22050 || events.outcomes[1].Outcome != "voice_not_found" {
		t.Fatalf("unexpected events %+v", events.outcomes)
	}
}

func TestJournalFailureDoesNotFailRequest(t *testing.T) {
	engine := &fakeEngine{output: defaultOutput()}
	gw := newTestGateway(t, engine, &memJournal{err: errors.New("disk full")}, nil)
	if _, err := gw.Synthesize(context.Background(), Request{Voice: "alex", Transcript: "hi"}); err != nil {
		t.Fatalf("journal errors must not surface: %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{Engine: &fakeEngine{}, Encoder: audio.NewEncoder(16, 1)}); err == nil {
		t.Fatalf("expected error without catalog")
	}
	if _, err := New(Options{Catalog: tts.NewCatalog(), Encoder: audio.NewEncoder(16, 1)}); err == nil {
		t.Fatalf("expected error without engine")
	}
	if _, err := New(Options{Catalog: tts.NewCatalog(), Engine: &fakeEngine{}}); err == nil {
		t.Fatalf("expected error without encoder")
	}
}

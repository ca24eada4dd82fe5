package tts

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

const (
	mockSampleRate   = 22050
	mockToneHz       = 440
	mockPerCharacter = 40 * time.Millisecond
)

type mockEngine struct {
	voices []Voice
}

// NewMockEngine returns an offline engine that produces a fixed tone whose
// length follows the transcript. Output is deterministic.
func NewMockEngine(voices []Voice) Engine {
	return &mockEngine{voices: append([]Voice(nil), voices...)}
}

func (m *mockEngine) Voices(ctx context.Context) ([]Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Voice(nil), m.voices...), nil
}

func (m *mockEngine) VoiceEmbedding(ctx context.Context, voiceID string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, v := range m.voices {
		if v.ID == voiceID {
			return Embedding{float32(len(voiceID)), 1}, nil
		}
	}
	return nil, fmt.Errorf("unknown voice id %s", voiceID)
}

func (m *mockEngine) Generate(ctx context.Context, req GenerateRequest) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	chars := utf8.RuneCountInString(req.Transcript)
	n := int(time.Duration(chars) * mockPerCharacter * mockSampleRate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*mockToneHz*float64(i)/mockSampleRate))
	}
	return Output{Samples: samples, SampleRate: mockSampleRate}, nil
}

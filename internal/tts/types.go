package tts

import "context"

// Voice describes one engine voice as listed by the catalog endpoint.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Public      bool   `json:"is_public,omitempty"`
}

// Embedding is the engine's opaque representation of a voice.
type Embedding []float32

// GenerateRequest contains parameters to synthesize speech.
type GenerateRequest struct {
	Transcript   string
	Voice        Embedding
	ModelID      string
	DataRType    string
	OutputFormat string
}

// Output is a complete, non-streamed synthesis result.
type Output struct {
	Samples    []float32
	SampleRate int
}

// Engine is the contract for the remote synthesis service.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	VoiceEmbedding(ctx context.Context, voiceID string) (Embedding, error)
	Generate(ctx context.Context, req GenerateRequest) (Output, error)
}

package protocol

import "time"

// SynthesisOutcome is broadcast on the bus once a request finishes.
type SynthesisOutcome struct {
	RequestID       string    `json:"request_id"`
	Voice           string    `json:"voice"`
	VoiceID         string    `json:"voice_id,omitempty"`
	TranscriptChars int       `json:"transcript_chars"`
	Outcome         string    `json:"outcome"`
	SampleRate      int       `json:"sample_rate,omitempty"`
	Samples         int       `json:"samples,omitempty"`
	AudioBytes      int       `json:"audio_bytes,omitempty"`
	LatencyMS       int64     `json:"latency_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

// GatewayAnnounce advertises a gateway instance and its voice catalog.
type GatewayAnnounce struct {
	Runtime   string    `json:"runtime"`
	Engine    string    `json:"engine"`
	ModelID   string    `json:"model_id"`
	Voices    []string  `json:"voices"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSynthesisCompleted = "tts.gateway.completed"
	SubjectSynthesisFailed    = "tts.gateway.failed"
	SubjectGatewayAnnounce    = "tts.gateway.announce"
)

package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execEngine runs a local command once per operation. The command reads a
// single JSON request on stdin and writes a single JSON response on stdout.
type execEngine struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Op           string    `json:"op"`
	VoiceID      string    `json:"voice_id,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Voice        []float32 `json:"voice,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	OutputFormat string    `json:"output_format,omitempty"`
}

type execResponse struct {
	Voices       []Voice   `json:"voices,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
	PCMBase64    string    `json:"pcm_base64,omitempty"`
	SamplingRate int       `json:"sampling_rate,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Voices(ctx context.Context) ([]Voice, error) {
	resp, err := e.run(ctx, execRequest{Op: "voices"})
	if err != nil {
		return nil, err
	}
	return resp.Voices, nil
}

func (e *execEngine) VoiceEmbedding(ctx context.Context, voiceID string) (Embedding, error) {
	resp, err := e.run(ctx, execRequest{Op: "embedding", VoiceID: voiceID})
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding for voice %s", voiceID)
	}
	return Embedding(resp.Embedding), nil
}

func (e *execEngine) Generate(ctx context.Context, req GenerateRequest) (Output, error) {
	resp, err := e.run(ctx, execRequest{
		Op:           "generate",
		Transcript:   req.Transcript,
		Voice:        req.Voice,
		ModelID:      req.ModelID,
		OutputFormat: req.OutputFormat,
	})
	if err != nil {
		return Output{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Output{}, fmt.Errorf("decode engine audio: %w", err)
	}
	samples, err := decodeSamples(raw, req.OutputFormat)
	if err != nil {
		return Output{}, err
	}
	return Output{Samples: samples, SampleRate: resp.SamplingRate}, nil
}

func (e *execEngine) run(ctx context.Context, req execRequest) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return execResponse{}, fmt.Errorf("engine command %s failed: %w: %s", req.Op, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode engine %s response: %w", req.Op, err)
	}
	if resp.Error != "" {
		return execResponse{}, fmt.Errorf("engine %s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

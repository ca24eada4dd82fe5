package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecEngineVoices(t *testing.T) {
	script := writeScript(t, `echo '{"voices":[{"id":"v1","name":"alex"}]}'`)
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	voices, err := engine.Voices(context.Background())
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" {
		t.Fatalf("unexpected voices %+v", voices)
	}
}

func TestExecEngineGenerate(t *testing.T) {
	pcm := base64.StdEncoding.EncodeToString(fp32Bytes(0.25, -0.5))
	script := writeScript(t, fmt.Sprintf(`echo '{"pcm_base64":"%s","sampling_rate":16000}'`, pcm))
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	out, err := engine.Generate(context.Background(), GenerateRequest{Transcript: "hi", OutputFormat: "fp32"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.SampleRate != 16000 || len(out.Samples) != 2 || out.Samples[1] != -0.5 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestExecEngineReportsError(t *testing.T) {
	script := writeScript(t, `echo '{"error":"voice locked"}'`)
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.VoiceEmbedding(context.Background(), "v1"); err == nil {
		t.Fatal("expected engine error")
	}
}

func TestExecEngineNonZeroExit(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3")
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Voices(context.Background()); err == nil {
		t.Fatal("expected exit error")
	}
}

func TestNewExecEngineEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

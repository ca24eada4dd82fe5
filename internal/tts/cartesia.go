package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
)

const maxEventLine = 16 << 20

// CartesiaOptions configures the HTTP engine client.
type CartesiaOptions struct {
	APIKey     string
	BaseURL    string // e.g. https://api.cartesia.ai/v0
	APIVersion string // sent as Cartesia-Version when set
	HTTPClient *http.Client
}

type cartesiaEngine struct {
	apiKey     string
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

func NewCartesiaEngine(opt CartesiaOptions) (Engine, error) {
	if strings.TrimSpace(opt.APIKey) == "" {
		return nil, errors.New("cartesia api key is required")
	}
	if strings.TrimSpace(opt.BaseURL) == "" {
		return nil, errors.New("cartesia base url is required")
	}
	client := opt.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &cartesiaEngine{
		apiKey:     opt.APIKey,
		baseURL:    strings.TrimRight(opt.BaseURL, "/"),
		apiVersion: opt.APIVersion,
		httpClient: client,
	}, nil
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type generatePayload struct {
	ModelID      string    `json:"model_id"`
	Transcript   string    `json:"transcript"`
	Voice        []float32 `json:"voice"`
	OutputFormat string    `json:"output_format"`
}

type streamEvent struct {
	Data         string `json:"data"`
	SamplingRate int    `json:"sampling_rate"`
	Done         bool   `json:"done"`
	Error        string `json:"error,omitempty"`
}

func (c *cartesiaEngine) Voices(ctx context.Context) ([]Voice, error) {
	resp, err := c.do(ctx, http.MethodGet, "/voices/", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var voices []Voice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return voices, nil
}

func (c *cartesiaEngine) VoiceEmbedding(ctx context.Context, voiceID string) (Embedding, error) {
	resp, err := c.do(ctx, http.MethodGet, "/voices/embedding/"+url.PathEscape(voiceID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(body.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding for voice %s", voiceID)
	}
	return Embedding(body.Embedding), nil
}

func (c *cartesiaEngine) Generate(ctx context.Context, req GenerateRequest) (Output, error) {
	payload := generatePayload{
		ModelID:      req.ModelID,
		Transcript:   req.Transcript,
		Voice:        req.Voice,
		OutputFormat: req.OutputFormat,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Output{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/audio/stream", bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	var raw []byte
	rate := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal(bytes.TrimSpace(line[len("data:"):]), &event); err != nil {
			return Output{}, fmt.Errorf("decode stream event: %w", err)
		}
		if event.Error != "" {
			return Output{}, fmt.Errorf("engine error: %s", event.Error)
		}
		if event.Data != "" {
			chunk, err := base64.StdEncoding.DecodeString(event.Data)
			if err != nil {
				return Output{}, fmt.Errorf("decode audio chunk: %w", err)
			}
			raw = append(raw, chunk...)
		}
		if event.SamplingRate > 0 {
			rate = event.SamplingRate
		}
		if event.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Output{}, fmt.Errorf("read stream: %w", err)
	}

	samples, err := decodeSamples(raw, req.OutputFormat)
	if err != nil {
		return Output{}, err
	}
	return Output{Samples: samples, SampleRate: rate}, nil
}

func (c *cartesiaEngine) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build cartesia request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	if c.apiVersion != "" {
		httpReq.Header.Set("Cartesia-Version", c.apiVersion)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cartesia http error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("cartesia %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// decodeSamples converts raw little-endian engine output into floats.
// fp32 is passed through; pcm is signed 16-bit scaled to [-1, 1].
func decodeSamples(raw []byte, format string) ([]float32, error) {
	switch format {
	case "fp32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("fp32 payload not aligned: %d bytes", len(raw))
		}
		samples := make([]float32, len(raw)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return samples, nil
	case "pcm":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(raw))
		}
		samples := make([]float32, len(raw)/2)
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

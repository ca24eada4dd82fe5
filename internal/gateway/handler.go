package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"

	maxRequestBytes = 1 << 20
)

type synthesisBody struct {
	Voice      *string `json:"voice"`
	Transcript *string `json:"transcript"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

type voiceEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type voicesBody struct {
	Voices []voiceEntry `json:"voices"`
}

// Register mounts the gateway endpoints on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tts/{$}", g.handleSynthesize)
	mux.HandleFunc("POST /tts", redirectSynthesize)
	mux.HandleFunc("GET /voices", g.handleVoices)
}

// redirectSynthesize answers the slashless path with a 307 so clients
// repeat the POST with its body instead of downgrading to GET.
func redirectSynthesize(w http.ResponseWriter, r *http.Request) {
	target := "/tts/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (g *Gateway) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	var body synthesisBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "Invalid request body"})
		return
	}
	if body.Voice == nil || body.Transcript == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "Fields 'voice' and 'transcript' are required"})
		return
	}

	res, err := g.Synthesize(r.Context(), Request{
		RequestID:  requestID,
		Voice:      *body.Voice,
		Transcript: *body.Transcript,
	})
	if err != nil {
		status, detail := statusFor(err)
		writeJSON(w, status, errorBody{Detail: detail})
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

func (g *Gateway) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := g.catalog.List()
	out := voicesBody{Voices: make([]voiceEntry, 0, len(voices))}
	for _, v := range voices {
		out.Voices = append(out.Voices, voiceEntry{Name: v.Name, ID: v.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps a synthesis error to its HTTP status and public detail.
// Engine and encoder failures never leak their cause.
func statusFor(err error) (int, string) {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Kind == KindVoiceNotFound {
		return http.StatusBadRequest, "Voice not found"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package audio

import (
	"errors"
	"fmt"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCM is the wav AudioFormat tag for integer samples.
const PCM = 1

// Encoder turns float sample buffers into WAV containers.
type Encoder struct {
	BitDepth int
	Channels int
}

func NewEncoder(bitDepth, channels int) *Encoder {
	return &Encoder{BitDepth: bitDepth, Channels: channels}
}

// Encode writes samples in [-1, 1] as integer PCM into an in-memory WAV.
// Samples outside the range are clipped.
func (e *Encoder) Encode(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	channels := e.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%d samples do not fill %d channels", len(samples), channels)
	}
	scale, err := fullScale(e.BitDepth)
	if err != nil {
		return nil, err
	}

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: e.BitDepth,
	}
	for i, s := range samples {
		buffer.Data[i] = quantize(s, scale, e.BitDepth)
	}

	sink := &seekBuffer{}
	enc := wav.NewEncoder(sink, sampleRate, e.BitDepth, channels, PCM)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return sink.Bytes(), nil
}

func fullScale(bitDepth int) (float64, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
		return float64(int64(1)<<(bitDepth-1) - 1), nil
	default:
		return 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
}

// quantize maps a float sample to the integer range of the bit depth.
// 8-bit WAV is unsigned, so it is offset by 128.
func quantize(sample float32, scale float64, bitDepth int) int {
	v := float64(sample)
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(-1, math.Min(1, v))
	q := int(math.Round(v * scale))
	if bitDepth == 8 {
		q += 128
	}
	return q
}

// seekBuffer is an in-memory io.WriteSeeker. The wav encoder seeks back
// to patch chunk sizes on Close, which bytes.Buffer cannot do.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = int64(b.pos)
	case 2:
		base = int64(len(b.buf))
	default:
		return 0, errors.New("seek: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.buf
}

//go:build !silero

package plugins

import (
	"math"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Window sizes match the silero build so the state machine timing is
// identical across engines.
const (
	energyWindow16k = 512
	energyWindow8k  = 256
)

// energyRMSScale maps RMS amplitude to a pseudo-probability: a normalized
// RMS of 0.1 or more counts as certain speech.
const energyRMSScale = 10.0

// energyEngine is the fallback detector for builds without the silero tag.
// It scores windows by RMS energy, which is enough for tests and quiet
// environments but falls over with background noise.
type energyEngine struct {
	window int
	pcmBuf []float32
}

func newVADEngine(cfg VADConfig) (vadEngine, error) {
	window := energyWindow16k
	if cfg.SampleRate == 8000 {
		window = energyWindow8k
	}
	return &energyEngine{window: window, pcmBuf: make([]float32, 0, window*2)}, nil
}

func (e *energyEngine) Process(pcm []byte) ([]float64, error) {
	if len(pcm)%2 != 0 {
		return nil, shared.ErrUnsupportedAudioData
	}
	e.pcmBuf = append(e.pcmBuf, pcmToFloat32(pcm)...)

	var probs []float64
	for len(e.pcmBuf) >= e.window {
		probs = append(probs, rmsProbability(e.pcmBuf[:e.window]))
		e.pcmBuf = e.pcmBuf[e.window:]
	}
	return probs, nil
}

func rmsProbability(window []float32) float64 {
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(window)))
	return math.Min(rms*energyRMSScale, 1.0)
}

func (e *energyEngine) WindowSamples() int {
	return e.window
}

func (e *energyEngine) Reset() {
	e.pcmBuf = e.pcmBuf[:0]
}

func (e *energyEngine) Close() error {
	return nil
}

package plugins

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

// vadEngine scores PCM windows for speech. Implementations are selected at
// build time: an ONNX Silero model behind the silero tag, an energy heuristic
// otherwise.
type vadEngine interface {
	// Process buffers s16le PCM and returns one speech probability per
	// complete analysis window.
	Process(pcm []byte) ([]float64, error)
	// WindowSamples is the analysis window length in samples.
	WindowSamples() int
	Reset()
	Close() error
}

const (
	defaultVADThreshold = 0.5
	defaultMinSpeech    = 250 * time.Millisecond
	defaultMinSilence   = 500 * time.Millisecond
	vadIdleReset        = 5 * time.Second
)

// VADConfig configures voice activity detection. Only 8 and 16 kHz input is
// supported.
type VADConfig struct {
	SampleRate int
	Threshold  float64
	MinSpeech  time.Duration
	MinSilence time.Duration
	ModelPath  string // silero builds only
}

func (c *VADConfig) applyDefaults() error {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return shared.ErrInvalidSampleRate
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultVADThreshold
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = defaultMinSpeech
	}
	if c.MinSilence <= 0 {
		c.MinSilence = defaultMinSilence
	}
	return nil
}

// SileroVAD tracks whether the user is speaking and emits state transitions.
// Short bursts below MinSpeech never reach the speaking state; brief pauses
// below MinSilence never leave it.
type SileroVAD struct {
	logger shared.LoggerAdapter
	cfg    VADConfig
	tracer *tracing.Tracer

	mu        sync.Mutex
	engine    vadEngine
	state     outspeed.VADState
	speechFor time.Duration
	silentFor time.Duration
	lastAudio time.Time
}

func NewSileroVAD(logger shared.LoggerAdapter, cfg VADConfig, tracer *tracing.Tracer) (*SileroVAD, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	engine, err := newVADEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &SileroVAD{
		logger: logger,
		cfg:    cfg,
		tracer: tracer,
		engine: engine,
		state:  outspeed.VADQuiet,
	}, nil
}

// Attach consumes audio from in and returns the state transition stream.
func (v *SileroVAD) Attach(ctx context.Context, in *outspeed.AudioStream) *outspeed.VADStream {
	out := outspeed.NewVADStream()
	go func() {
		defer out.Close()
		for {
			data, err := in.Get(ctx)
			if err != nil {
				return
			}
			if data.Session != nil || len(data.Data) == 0 {
				continue
			}
			if data.SampleRate != v.cfg.SampleRate {
				v.logger.Warn(
					"skipping frame with unexpected sample rate",
					zap.Int("got", data.SampleRate),
					zap.Int("want", v.cfg.SampleRate),
				)
				continue
			}
			transitions, err := v.process(data.Data)
			if err != nil {
				v.logger.Error("processing audio for vad", err)
				continue
			}
			for _, state := range transitions {
				if err := out.Put(state); err != nil {
					return
				}
			}
		}
	}()
	return out
}

// process runs the engine and advances the state machine, returning any
// transitions the chunk caused.
func (v *SileroVAD) process(pcm []byte) ([]outspeed.VADState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	if !v.lastAudio.IsZero() && now.Sub(v.lastAudio) > vadIdleReset {
		// Long gaps make the recurrent state stale.
		v.engine.Reset()
		v.resetLocked()
	}
	v.lastAudio = now

	probs, err := v.engine.Process(pcm)
	if err != nil {
		return nil, err
	}

	window := time.Duration(v.engine.WindowSamples()) * time.Second / time.Duration(v.cfg.SampleRate)
	var transitions []outspeed.VADState
	for _, prob := range probs {
		if next, changed := v.advanceLocked(prob >= v.cfg.Threshold, window); changed {
			transitions = append(transitions, next)
		}
	}
	return transitions, nil
}

func (v *SileroVAD) advanceLocked(speech bool, window time.Duration) (outspeed.VADState, bool) {
	if speech {
		v.speechFor += window
		v.silentFor = 0
	} else {
		v.silentFor += window
		v.speechFor = 0
	}

	next := v.state
	switch v.state {
	case outspeed.VADQuiet:
		if speech {
			next = outspeed.VADStarting
		}
	case outspeed.VADStarting:
		switch {
		case !speech:
			next = outspeed.VADQuiet
		case v.speechFor >= v.cfg.MinSpeech:
			next = outspeed.VADSpeaking
		}
	case outspeed.VADSpeaking:
		if !speech {
			next = outspeed.VADStopping
		}
	case outspeed.VADStopping:
		switch {
		case speech:
			next = outspeed.VADSpeaking
		case v.silentFor >= v.cfg.MinSilence:
			next = outspeed.VADQuiet
			v.tracer.RegisterEvent(tracing.EventUserSpeechEnd)
		}
	}
	if next == v.state {
		return next, false
	}
	v.logger.Debug("vad state changed", zap.String("from", v.state.String()), zap.String("to", next.String()))
	v.state = next
	return next, true
}

func (v *SileroVAD) resetLocked() {
	v.state = outspeed.VADQuiet
	v.speechFor = 0
	v.silentFor = 0
}

// State returns the current speaking state.
func (v *SileroVAD) State() outspeed.VADState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Interrupt is a no-op; detection follows the audio, not the assistant.
func (v *SileroVAD) Interrupt() {}

// pcmToFloat32 converts s16le PCM to float32 in [-1, 1). Dividing by 32768
// keeps the full int16 range strictly inside the unit interval.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}

func (v *SileroVAD) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.engine.Close()
}

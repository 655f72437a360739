//go:build silero

package plugins

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Environment variables for silero builds.
const (
	envKeySileroModelPath = "SILERO_MODEL_PATH"
	envKeyORTLibraryPath  = "ONNXRUNTIME_SHARED_LIBRARY_PATH"
)

// Silero VAD v5 window sizes: 512 samples at 16 kHz, 256 at 8 kHz.
const (
	sileroWindow16k = 512
	sileroWindow8k  = 256
	sileroStateSize = 128
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// sileroEngine scores windows with the Silero VAD v5 ONNX model. The
// recurrent state tensor is carried between calls and cleared on Reset.
type sileroEngine struct {
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	window int
	pcmBuf []float32
}

func newVADEngine(cfg VADConfig) (vadEngine, error) {
	modelPath := cfg.ModelPath
	if modelPath == "" {
		var err error
		modelPath, err = shared.Getenv(shared.GetenvString, envKeySileroModelPath, true, "")
		if err != nil {
			return nil, fmt.Errorf("%w: silero model path", shared.ErrEngineUnavailable)
		}
	}

	ortInitOnce.Do(func() {
		if libPath := os.Getenv(envKeyORTLibraryPath); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", ortInitErr)
	}

	window := sileroWindow16k
	if cfg.SampleRate == 8000 {
		window = sileroWindow8k
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(window)))
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("creating state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("creating sample rate tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("creating next state tensor: %w", err)
	}

	clearFloat32(stateTensor.GetData())
	clearFloat32(stateNTensor.GetData())

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("creating silero session: %w", err)
	}

	return &sileroEngine{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		window:       window,
		pcmBuf:       make([]float32, 0, window*2),
	}, nil
}

func (e *sileroEngine) Process(pcm []byte) ([]float64, error) {
	if len(pcm)%2 != 0 {
		return nil, shared.ErrUnsupportedAudioData
	}
	e.pcmBuf = append(e.pcmBuf, pcmToFloat32(pcm)...)

	var probs []float64
	for len(e.pcmBuf) >= e.window {
		copy(e.inputTensor.GetData(), e.pcmBuf[:e.window])
		e.pcmBuf = e.pcmBuf[e.window:]
		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("silero inference: %w", err)
		}
		// Carry the recurrent state forward.
		copy(e.stateTensor.GetData(), e.stateNTensor.GetData())
		probs = append(probs, float64(e.outputTensor.GetData()[0]))
	}
	return probs, nil
}

func (e *sileroEngine) WindowSamples() int {
	return e.window
}

func (e *sileroEngine) Reset() {
	clearFloat32(e.stateTensor.GetData())
	e.pcmBuf = e.pcmBuf[:0]
}

func (e *sileroEngine) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	for _, t := range []interface{ Destroy() error }{
		e.inputTensor, e.stateTensor, e.srTensor, e.outputTensor, e.stateNTensor,
	} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	e.inputTensor, e.stateTensor, e.srTensor = nil, nil, nil
	e.outputTensor, e.stateNTensor = nil, nil
	return nil
}

func clearFloat32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoAPIKey             = errors.New("no API key provided")
	ErrNoHandler            = errors.New("no handler provided")
	ErrStreamClosed         = errors.New("stream closed")
	ErrPipelineNotWired     = errors.New("pipeline has no output streams")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrInvalidSampleRate    = errors.New("invalid sample rate")
	ErrUnsupportedAudioData = errors.New("unsupported audio data")
	ErrUnsupportedFrameType = errors.New("unsupported frame type")
	ErrMissingEnvKey        = errors.New("missing required environment variable")
	ErrEngineUnavailable    = errors.New("vad engine unavailable")
)

package outspeed

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Defaults for PCM audio flowing through the pipeline.
const (
	DefaultSampleRate  = 8000
	DefaultChannels    = 1
	DefaultSampleWidth = 2
)

// Audio formats carried by AudioData.
const (
	AudioFormatWAV  = "wav"
	AudioFormatOpus = "opus"
)

// SessionData marks a session boundary. Plugins forward it downstream
// untouched so every stage observes the same session lifecycle.
type SessionData struct {
	ID        string
	StartTime float64
}

func NewSessionData() *SessionData {
	return &SessionData{
		ID:        uuid.NewString(),
		StartTime: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// AudioData is a chunk of PCM (or opus) audio with its timing metadata.
// A value with Session set and no Data is a pure session marker; a value with
// EOT set marks the end of one synthesized utterance.
type AudioData struct {
	Data              []byte
	SampleRate        int
	Channels          int
	SampleWidth       int
	Format            string
	RelativeStartTime float64

	Session *SessionData
	EOT     bool
}

// NewAudioData builds an AudioData with defaults applied and the start time
// taken from the playback clock.
func NewAudioData(data []byte, sampleRate int) AudioData {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return AudioData{
		Data:              data,
		SampleRate:        sampleRate,
		Channels:          DefaultChannels,
		SampleWidth:       DefaultSampleWidth,
		Format:            AudioFormatWAV,
		RelativeStartTime: PlaybackTime(),
	}
}

// Duration returns the audio length in seconds.
func (d AudioData) Duration() float64 {
	if d.SampleRate == 0 || d.Channels == 0 || d.SampleWidth == 0 {
		return 0
	}
	return float64(len(d.Data)) / float64(d.SampleRate*d.Channels*d.SampleWidth)
}

// Base64 returns the raw audio bytes base64-encoded.
func (d AudioData) Base64() string {
	return base64.StdEncoding.EncodeToString(d.Data)
}

func (d AudioData) StartSeconds() float64 {
	return d.RelativeStartTime
}

// PTS returns the presentation timestamp in sample units.
func (d AudioData) PTS() int {
	return int(d.RelativeStartTime * float64(d.SampleRate))
}

// ImageData is one encoded video frame.
type ImageData struct {
	Data              []byte
	Width             int
	Height            int
	FrameRate         int
	Format            string
	RelativeStartTime float64

	Session *SessionData
}

func NewImageData(data []byte) ImageData {
	return ImageData{
		Data:              data,
		Width:             640,
		Height:            480,
		FrameRate:         30,
		Format:            "jpeg",
		RelativeStartTime: PlaybackTime(),
	}
}

// Duration returns the display time of a single frame in seconds.
func (d ImageData) Duration() float64 {
	if d.FrameRate == 0 {
		return 0
	}
	return 1.0 / float64(d.FrameRate)
}

// PTS returns the presentation timestamp in frame units.
func (d ImageData) PTS() int {
	return int(d.RelativeStartTime * float64(d.FrameRate))
}

// TextData is a piece of text with wall-clock and pipeline-relative timing.
type TextData struct {
	Text         string
	AbsoluteTime float64
	RelativeTime float64
}

func NewTextData(text string) TextData {
	return TextData{
		Text:         text,
		AbsoluteTime: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// Package tracing records pipeline latency events and pushes job lifecycle
// metrics to the hosted platform backend.
package tracing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Event marks a point in the voice pipeline used for latency accounting.
type Event string

const (
	EventStart                 Event = "start"
	EventEnd                   Event = "end"
	EventUserSpeechEnd         Event = "user_speech_end"
	EventTranscriptionReceived Event = "transcription_received"
	EventLLMStart              Event = "llm_start"
	EventLLMTTFB               Event = "llm_ttfb"
	EventLLMEnd                Event = "llm_end"
	EventTTSStart              Event = "tts_start"
	EventTTSTTFB               Event = "tts_ttfb"
	EventTTSEnd                Event = "tts_end"
)

// ByteMetric counts volume produced or consumed by a pipeline stage.
type ByteMetric string

const (
	MetricLLMTotalBytes   ByteMetric = "llm_total_bytes"
	MetricTTSTotalBytes   ByteMetric = "tts_total_bytes"
	MetricSTTAudioSeconds ByteMetric = "stt_audio_duration_s"
)

// Tracer collects timestamped events and byte metrics for one session.
// All methods are safe for concurrent use. A nil Tracer is a no-op.
type Tracer struct {
	mu      sync.Mutex
	events  map[Event][]float64
	metrics map[ByteMetric][]float64
}

func NewTracer() *Tracer {
	return &Tracer{
		events:  make(map[Event][]float64),
		metrics: make(map[ByteMetric][]float64),
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// RegisterEvent records an event at the current time.
func (t *Tracer) RegisterEvent(event Event) {
	if t == nil {
		return
	}
	t.RegisterEventAt(event, now())
}

// RegisterEventAt records an event at an explicit unix time in seconds.
func (t *Tracer) RegisterEventAt(event Event, at float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[event] = append(t.events[event], at)
}

// RegisterMetric records a byte count for a stage.
func (t *Tracer) RegisterMetric(metric ByteMetric, value float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics[metric] = append(t.metrics[metric], value)
}

// AverageLatency returns the mean delta between paired occurrences of the
// start and end events, in seconds.
func (t *Tracer) AverageLatency(start, end Event) float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	starts, ends := t.events[start], t.events[end]
	n := min(len(starts), len(ends))
	if n == 0 {
		return 0
	}
	var total float64
	for i := 0; i < n; i++ {
		total += ends[i] - starts[i]
	}
	return total / float64(n)
}

// AverageThroughput returns mean bytes per second between paired occurrences
// of the start and end events.
func (t *Tracer) AverageThroughput(metric ByteMetric, start, end Event) float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	starts, ends, values := t.events[start], t.events[end], t.metrics[metric]
	n := min(len(starts), len(ends), len(values))
	if n == 0 {
		return 0
	}
	var total float64
	var counted int
	for i := 0; i < n; i++ {
		elapsed := ends[i] - starts[i]
		if elapsed <= 0 {
			continue
		}
		total += values[i] / elapsed
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// LogSummary emits the per-stage averages for the session.
func (t *Tracer) LogSummary(logger shared.LoggerAdapter) {
	if t == nil || logger == nil {
		return
	}
	logger.Info("session latency summary",
		zap.Float64("transcription_latency_s", t.AverageLatency(EventUserSpeechEnd, EventTranscriptionReceived)),
		zap.Float64("llm_ttfb_s", t.AverageLatency(EventLLMStart, EventLLMTTFB)),
		zap.Float64("llm_total_s", t.AverageLatency(EventLLMStart, EventLLMEnd)),
		zap.Float64("llm_throughput_bps", t.AverageThroughput(MetricLLMTotalBytes, EventLLMStart, EventLLMEnd)),
		zap.Float64("tts_ttfb_s", t.AverageLatency(EventTTSStart, EventTTSTTFB)),
		zap.Float64("tts_total_s", t.AverageLatency(EventTTSStart, EventTTSEnd)),
	)
}

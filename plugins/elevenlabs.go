package plugins

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

const (
	envKeyElevenLabsAPIKey = "ELEVEN_LABS_API_KEY"

	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultElevenLabsVoice   = "pNInz6obpgDQGcFmaJgB"
	defaultElevenLabsModel   = "eleven_turbo_v2_5"
	defaultElevenLabsFormat  = "pcm_16000"
	defaultElevenLabsLatency = 4

	elevenLabsChunkSize = 4096
	elevenLabsTimeout   = 30 * time.Second
)

// PCM output formats the API offers, mapped to their sample rates.
var elevenLabsFormats = map[string]int{
	"pcm_16000": 16000,
	"pcm_24000": 24000,
	"pcm_44100": 44100,
}

// ElevenLabsConfig configures streaming synthesis. The API key falls back to
// ELEVEN_LABS_API_KEY. OutputFormat picks the PCM rate of the synthesized
// audio (pcm_16000, pcm_24000 or pcm_44100).
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string

	OptimizeStreamingLatency int
	Stability                float64
	SimilarityBoost          float64
}

func (c *ElevenLabsConfig) applyDefaults() error {
	if c.APIKey == "" {
		key, err := shared.Getenv(shared.GetenvString, envKeyElevenLabsAPIKey, true, "")
		if err != nil {
			return shared.ErrNoAPIKey
		}
		c.APIKey = key
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultElevenLabsBaseURL
	}
	if c.VoiceID == "" {
		c.VoiceID = defaultElevenLabsVoice
	}
	if c.ModelID == "" {
		c.ModelID = defaultElevenLabsModel
	}
	if c.OutputFormat == "" {
		c.OutputFormat = defaultElevenLabsFormat
	}
	if _, ok := elevenLabsFormats[c.OutputFormat]; !ok {
		return fmt.Errorf("output format %q: %w", c.OutputFormat, shared.ErrInvalidSampleRate)
	}
	if c.OptimizeStreamingLatency == 0 {
		c.OptimizeStreamingLatency = defaultElevenLabsLatency
	}
	if c.Stability == 0 {
		c.Stability = 0.5
	}
	if c.SimilarityBoost == 0 {
		c.SimilarityBoost = 0.5
	}
	return nil
}

func (c ElevenLabsConfig) sampleRate() int {
	return elevenLabsFormats[c.OutputFormat]
}

func (c ElevenLabsConfig) url() string {
	return fmt.Sprintf(
		"%s/v1/text-to-speech/%s/stream?output_format=%s&optimize_streaming_latency=%d",
		c.BaseURL, c.VoiceID, c.OutputFormat, c.OptimizeStreamingLatency,
	)
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ElevenLabsTTS turns text chunks into PCM at the configured output rate.
// One end-of-turn audio marker follows every synthesized utterance so
// playback can detect turn boundaries.
type ElevenLabsTTS struct {
	logger shared.LoggerAdapter
	cfg    ElevenLabsConfig
	tracer *tracing.Tracer
	client *fasthttp.Client

	generation atomic.Int64
	mu         sync.Mutex
	closed     bool
	outs       []*outspeed.AudioStream
}

func NewElevenLabsTTS(logger shared.LoggerAdapter, cfg ElevenLabsConfig, tracer *tracing.Tracer) (*ElevenLabsTTS, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &ElevenLabsTTS{
		logger: logger,
		cfg:    cfg,
		tracer: tracer,
		client: &fasthttp.Client{StreamResponseBody: true},
	}, nil
}

// Attach consumes text from in and returns the synthesized audio stream.
func (t *ElevenLabsTTS) Attach(ctx context.Context, in *outspeed.TextStream) *outspeed.AudioStream {
	out := outspeed.NewAudioStream(t.cfg.sampleRate())
	t.mu.Lock()
	t.outs = append(t.outs, out)
	t.mu.Unlock()
	go func() {
		defer out.Close()
		for {
			chunk, err := in.Get(ctx)
			if err != nil {
				return
			}
			if chunk.Session != nil {
				if err := out.Put(outspeed.AudioData{Session: chunk.Session}); err != nil {
					return
				}
				continue
			}
			if chunk.EOT || strings.TrimSpace(chunk.Text) == "" {
				continue
			}
			if err := t.synthesize(ctx, chunk.Text, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Error("synthesizing speech", err, zap.Int("text_len", len(chunk.Text)))
			}
		}
	}()
	return out
}

func (t *ElevenLabsTTS) synthesize(ctx context.Context, text string, out *outspeed.AudioStream) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return shared.ErrStreamClosed
	}
	t.mu.Unlock()
	gen := t.generation.Load()

	body, err := sonic.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: t.cfg.ModelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       t.cfg.Stability,
			SimilarityBoost: t.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling synthesis request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.cfg.url())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("xi-api-key", t.cfg.APIKey)
	req.SetBody(body)

	t.tracer.RegisterEvent(tracing.EventTTSStart)
	req.SetTimeout(elevenLabsTimeout)
	if err := t.client.Do(req, resp); err != nil {
		return fmt.Errorf("posting synthesis request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("synthesis rejected: status %d: %s", resp.StatusCode(), resp.Body())
	}

	stream := resp.BodyStream()
	var total int
	first := true
	buf := make([]byte, elevenLabsChunkSize)
	for {
		if ctx.Err() != nil || t.generation.Load() != gen {
			// Interrupted mid-utterance; drop the rest.
			return nil
		}
		n, err := stream.Read(buf)
		if n > 0 {
			if first {
				first = false
				t.tracer.RegisterEvent(tracing.EventTTSTTFB)
			}
			total += n
			pcm := make([]byte, n)
			copy(pcm, buf[:n])
			if perr := out.Put(outspeed.NewAudioData(pcm, t.cfg.sampleRate())); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading synthesis stream: %w", err)
		}
	}
	t.tracer.RegisterEvent(tracing.EventTTSEnd)
	t.tracer.RegisterMetric(tracing.MetricTTSTotalBytes, float64(total))
	return out.Put(outspeed.AudioData{SampleRate: t.cfg.sampleRate(), EOT: true})
}

// Interrupt aborts the utterance currently being streamed and discards audio
// already queued for playback.
func (t *ElevenLabsTTS) Interrupt() {
	t.generation.Add(1)
	t.mu.Lock()
	outs := t.outs
	t.mu.Unlock()
	for _, out := range outs {
		out.Drain()
	}
}

func (t *ElevenLabsTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

package plugins

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

const (
	envKeyDeepgramAPIKey = "DEEPGRAM_API_KEY"

	defaultDeepgramBaseURL  = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel    = "nova-2"
	defaultDeepgramLanguage = "en-US"

	deepgramKeepAliveEvery = 5 * time.Second
	deepgramMinConfidence  = 0.8
	deepgramMaxSilence     = 2 * time.Second
	deepgramEndpointing    = 100 * time.Millisecond
)

// DeepgramConfig configures the streaming transcription plugin. Zero values
// fall back to the defaults above; the API key falls back to
// DEEPGRAM_API_KEY. SampleRate is the dial rate used when an audio frame
// does not carry its own.
type DeepgramConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Language      string
	SampleRate    int
	MinConfidence float64
	MaxSilence    time.Duration
	Endpointing   time.Duration
}

func (c *DeepgramConfig) applyDefaults() error {
	if c.APIKey == "" {
		key, err := shared.Getenv(shared.GetenvString, envKeyDeepgramAPIKey, true, "")
		if err != nil {
			return shared.ErrNoAPIKey
		}
		c.APIKey = key
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultDeepgramBaseURL
	}
	if c.Model == "" {
		c.Model = defaultDeepgramModel
	}
	if c.Language == "" {
		c.Language = defaultDeepgramLanguage
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = deepgramMinConfidence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = deepgramMaxSilence
	}
	if c.Endpointing <= 0 {
		c.Endpointing = deepgramEndpointing
	}
	return nil
}

func (c DeepgramConfig) url(sampleRate int) string {
	q := url.Values{}
	q.Set("model", c.Model)
	q.Set("language", c.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(int(c.Endpointing.Milliseconds())))
	return c.BaseURL + "?" + q.Encode()
}

// deepgramResult is the subset of the Results message the plugin consumes.
type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramTranscript extracts a final transcript from one server
// message, returning ok only when it clears the confidence bar.
func parseDeepgramTranscript(raw []byte, minConfidence float64) (text string, speechFinal bool, ok bool) {
	var res deepgramResult
	if err := sonic.Unmarshal(raw, &res); err != nil {
		return "", false, false
	}
	if res.Type != "Results" || !res.IsFinal || len(res.Channel.Alternatives) == 0 {
		return "", false, false
	}
	alt := res.Channel.Alternatives[0]
	if alt.Transcript == "" || alt.Confidence < minConfidence {
		return "", false, false
	}
	return alt.Transcript, res.SpeechFinal, true
}

// DeepgramSTT streams PCM to Deepgram and emits one text chunk per user
// utterance. The socket is dialed lazily on the first audio frame so idle
// pipelines hold no connection.
type DeepgramSTT struct {
	logger shared.LoggerAdapter
	cfg    DeepgramConfig
	tracer *tracing.Tracer

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	audioSeconds float64
}

func NewDeepgramSTT(logger shared.LoggerAdapter, cfg DeepgramConfig, tracer *tracing.Tracer) (*DeepgramSTT, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &DeepgramSTT{logger: logger, cfg: cfg, tracer: tracer}, nil
}

// Attach consumes audio from in and returns the transcript stream. The
// transcripts channel is never closed; the done channel signals the collector
// and the socket reader when the input dries up, so a transcript landing
// during shutdown is dropped instead of crashing a sender.
func (d *DeepgramSTT) Attach(ctx context.Context, in *outspeed.AudioStream) *outspeed.TextStream {
	out := outspeed.NewTextStream()
	transcripts := make(chan string, 16)
	done := make(chan struct{})

	go d.collect(ctx, transcripts, done, out)
	go func() {
		defer close(done)
		for {
			data, err := in.Get(ctx)
			if err != nil {
				return
			}
			if data.Session != nil {
				if err := out.Put(outspeed.TextChunk{Session: data.Session}); err != nil {
					return
				}
				continue
			}
			if len(data.Data) == 0 {
				continue
			}
			if err := d.send(ctx, done, data, transcripts); err != nil {
				d.logger.Error("sending audio to deepgram", err)
				return
			}
		}
	}()
	return out
}

func (d *DeepgramSTT) send(ctx context.Context, done <-chan struct{}, data outspeed.AudioData, transcripts chan<- string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return shared.ErrStreamClosed
	}
	if d.conn == nil {
		rate := data.SampleRate
		if rate <= 0 {
			rate = d.cfg.SampleRate
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.url(rate), map[string][]string{
			"Authorization": {"Token " + d.cfg.APIKey},
		})
		if err != nil {
			return fmt.Errorf("dialing deepgram: %w", err)
		}
		d.conn = conn
		d.logger.Info("deepgram connected", zap.Int("sample_rate", rate))
		go d.receive(ctx, done, conn, transcripts)
		go d.keepAlive(ctx, conn)
	}
	d.audioSeconds += data.Duration()
	return d.conn.WriteMessage(websocket.BinaryMessage, data.Data)
}

// AudioDuration reports the seconds of audio streamed so far.
func (d *DeepgramSTT) AudioDuration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.audioSeconds
}

func (d *DeepgramSTT) receive(ctx context.Context, done <-chan struct{}, conn *websocket.Conn, transcripts chan<- string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.logger.Error("reading from deepgram", err)
			}
			return
		}
		text, speechFinal, ok := parseDeepgramTranscript(raw, d.cfg.MinConfidence)
		if !ok {
			continue
		}
		d.tracer.RegisterEvent(tracing.EventTranscriptionReceived)
		if speechFinal && !endsWithSentenceEnding(text) {
			text += "."
		}
		select {
		case transcripts <- text:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// collect buffers partial transcripts into one utterance, flushing on a
// sentence boundary or after MaxSilence with nothing new.
func (d *DeepgramSTT) collect(ctx context.Context, transcripts <-chan string, done <-chan struct{}, out *outspeed.TextStream) {
	defer out.Close()
	var parts []string
	flush := func() {
		if len(parts) == 0 {
			return
		}
		utterance := strings.Join(parts, " ")
		parts = nil
		d.tracer.RegisterEvent(tracing.EventUserSpeechEnd)
		if err := out.Put(outspeed.TextChunk{Text: utterance, EOT: true}); err != nil {
			d.logger.Warn("dropping utterance", zap.Error(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-done:
			// Drain anything the socket reader already buffered before
			// the input closed.
			for {
				select {
				case text := <-transcripts:
					parts = append(parts, text)
				default:
					flush()
					return
				}
			}
		case text := <-transcripts:
			parts = append(parts, text)
			if endsWithSentenceEnding(text) {
				flush()
			}
		case <-time.After(d.cfg.MaxSilence):
			flush()
		}
	}
}

func endsWithSentenceEnding(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, ending := range sentenceEndings {
		if strings.HasSuffix(trimmed, ending) {
			return true
		}
	}
	return false
}

func (d *DeepgramSTT) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(deepgramKeepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.closed || d.conn != conn {
				d.mu.Unlock()
				return
			}
			err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			d.mu.Unlock()
			if err != nil {
				d.logger.Warn("deepgram keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

// Interrupt is a no-op; transcription follows the user, not the assistant.
func (d *DeepgramSTT) Interrupt() {}

// Close tells Deepgram to finalize and drops the connection.
func (d *DeepgramSTT) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.tracer.RegisterMetric(tracing.MetricSTTAudioSeconds, d.audioSeconds)
	if d.conn == nil {
		return nil
	}
	if err := d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		d.logger.Warn("sending close stream", zap.Error(err))
	}
	return d.conn.Close()
}

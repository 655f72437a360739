package plugins

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
)

func TestParseDeepgramTranscript(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expected    string
		speechFinal bool
		ok          bool
	}{
		{
			name:        "final transcript above confidence",
			raw:         `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`,
			expected:    "hello world",
			speechFinal: true,
			ok:          true,
		},
		{
			name: "interim results are skipped",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.9}]}}`,
		},
		{
			name: "low confidence is skipped",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"maybe","confidence":0.4}]}}`,
		},
		{
			name: "empty transcript is skipped",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0.99}]}}`,
		},
		{
			name: "metadata messages are skipped",
			raw:  `{"type":"Metadata","request_id":"abc"}`,
		},
		{
			name: "garbage is skipped",
			raw:  `not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, speechFinal, ok := parseDeepgramTranscript([]byte(tt.raw), deepgramMinConfidence)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, text)
			assert.Equal(t, tt.speechFinal, speechFinal)
		})
	}
}

func TestDeepgramConfigDefaults(t *testing.T) {
	t.Setenv(envKeyDeepgramAPIKey, "dg-key")
	cfg := DeepgramConfig{}
	require.NoError(t, cfg.applyDefaults())

	assert.Equal(t, "dg-key", cfg.APIKey)
	assert.Equal(t, defaultDeepgramModel, cfg.Model)
	assert.Equal(t, defaultDeepgramLanguage, cfg.Language)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.Equal(t, deepgramMinConfidence, cfg.MinConfidence)
	assert.Equal(t, deepgramMaxSilence, cfg.MaxSilence)
	assert.Equal(t, deepgramEndpointing, cfg.Endpointing)
}

func TestDeepgramConfigRequiresAPIKey(t *testing.T) {
	t.Setenv(envKeyDeepgramAPIKey, "")
	cfg := DeepgramConfig{}
	assert.ErrorIs(t, cfg.applyDefaults(), shared.ErrNoAPIKey)
}

func TestDeepgramURL(t *testing.T) {
	cfg := DeepgramConfig{
		BaseURL:     defaultDeepgramBaseURL,
		Model:       "nova-2",
		Language:    "en-US",
		Endpointing: 300 * time.Millisecond,
	}
	u := cfg.url(8000)
	assert.Contains(t, u, "wss://api.deepgram.com/v1/listen?")
	assert.Contains(t, u, "model=nova-2")
	assert.Contains(t, u, "encoding=linear16")
	assert.Contains(t, u, "sample_rate=8000")
	assert.Contains(t, u, "channels=1")
	assert.Contains(t, u, "punctuate=true")
	assert.Contains(t, u, "smart_format=true")
	assert.Contains(t, u, "endpointing=300")
}

func TestEndsWithSentenceEnding(t *testing.T) {
	assert.True(t, endsWithSentenceEnding("all done."))
	assert.True(t, endsWithSentenceEnding("really? "))
	assert.True(t, endsWithSentenceEnding("yes!"))
	assert.False(t, endsWithSentenceEnding("still going"))
	assert.False(t, endsWithSentenceEnding(""))
}

func TestDeepgramCollectFlushesOnSilence(t *testing.T) {
	d, err := NewDeepgramSTT(shared.NewNopLogger(), DeepgramConfig{
		APIKey:     "dg-key",
		MaxSilence: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := outspeed.NewTextStream()
	transcripts := make(chan string, 1)
	done := make(chan struct{})
	defer close(done)
	go d.collect(ctx, transcripts, done, out)

	// No sentence terminator, so only the silence timeout can flush it.
	transcripts <- "no terminator yet"

	chunk, err := out.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no terminator yet", chunk.Text)
	assert.True(t, chunk.EOT)
}

// startTranscriptionStub serves one WebSocket connection with the given
// session script and returns the listen address.
func startTranscriptionStub(t *testing.T, session func(conn *websocket.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	upgrader := websocket.FastHTTPUpgrader{}
	go func() {
		_ = fasthttp.Serve(ln, func(reqCtx *fasthttp.RequestCtx) {
			_ = upgrader.Upgrade(reqCtx, func(conn *websocket.Conn) {
				defer conn.Close()
				session(conn)
			})
		})
	}()
	return ln.Addr().String()
}

func TestDeepgramTranscribesOverWebSocket(t *testing.T) {
	final := `{"type":"Results","is_final":true,"speech_final":true,` +
		`"channel":{"alternatives":[{"transcript":"hello there","confidence":0.99}]}}`
	addr := startTranscriptionStub(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(final))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	d, err := NewDeepgramSTT(shared.NewNopLogger(), DeepgramConfig{
		APIKey:  "dg-key",
		BaseURL: "ws://" + addr + "/v1/listen",
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := outspeed.NewAudioStream(16000)
	out := d.Attach(ctx, in)
	require.NoError(t, in.Put(outspeed.NewAudioData(make([]byte, 640), 16000)))

	chunk, err := out.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello there.", chunk.Text)
	assert.True(t, chunk.EOT)
	assert.InDelta(t, 0.02, d.AudioDuration(), 1e-9)
}

func TestDeepgramSurvivesTranscriptAfterInputCloses(t *testing.T) {
	gotAudio := make(chan struct{})
	inputClosed := make(chan struct{})
	final := `{"type":"Results","is_final":true,"speech_final":true,` +
		`"channel":{"alternatives":[{"transcript":"late result","confidence":0.99}]}}`
	addr := startTranscriptionStub(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		close(gotAudio)
		<-inputClosed
		_ = conn.WriteMessage(websocket.TextMessage, []byte(final))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	d, err := NewDeepgramSTT(shared.NewNopLogger(), DeepgramConfig{
		APIKey:  "dg-key",
		BaseURL: "ws://" + addr + "/v1/listen",
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := outspeed.NewAudioStream(16000)
	out := d.Attach(ctx, in)
	require.NoError(t, in.Put(outspeed.NewAudioData(make([]byte, 640), 16000)))
	<-gotAudio

	// Closing the input while the server still has a result in flight must
	// shut the plugin down cleanly, not crash a sender.
	in.Close()
	close(inputClosed)

	for {
		if _, err := out.Get(ctx); err != nil {
			assert.ErrorIs(t, err, shared.ErrStreamClosed)
			return
		}
	}
}

package outspeed

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tools"
)

// FrameType tags a WebSocket frame exchanged with the browser client.
type FrameType string

const (
	FrameTypeAudio    FrameType = "audio"
	FrameTypeMessage  FrameType = "message"
	FrameTypeAudioEnd FrameType = "audio_end"
)

// Frame is the JSON envelope for all WebSocket traffic after the metadata
// handshake. Audio data is base64-encoded PCM.
type Frame struct {
	Type      FrameType `json:"type"`
	Data      string    `json:"data,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`
}

func (f Frame) Marshal() ([]byte, error) {
	if f.Type == "" {
		return nil, errors.New("frame type is empty")
	}
	return sonic.Marshal(f)
}

// ParseFrame decodes and validates one incoming frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshaling frame: %w", err)
	}
	switch f.Type {
	case FrameTypeAudio, FrameTypeMessage, FrameTypeAudioEnd:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", shared.ErrUnsupportedFrameType, f.Type)
	}
}

// AudioMetadata is the first message a client sends after connecting.
type AudioMetadata struct {
	InputSampleRate  int `json:"input_sample_rate"`
	OutputSampleRate int `json:"output_sample_rate"`
}

const defaultWSSampleRate = 48000

// ParseAudioMetadata decodes the handshake message, applying 48 kHz defaults.
func ParseAudioMetadata(data []byte) (AudioMetadata, error) {
	var m AudioMetadata
	if err := sonic.Unmarshal(data, &m); err != nil {
		return AudioMetadata{}, fmt.Errorf("unmarshaling audio metadata: %w", err)
	}
	if m.InputSampleRate <= 0 {
		m.InputSampleRate = defaultWSSampleRate
	}
	if m.OutputSampleRate <= 0 {
		m.OutputSampleRate = defaultWSSampleRate
	}
	return m, nil
}

// EncodeWAV wraps raw PCM in a RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	byteRate := sampleRate * channels * sampleWidth
	out := make([]byte, 0, 44+len(pcm))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(pcm)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(byteRate))
	out = binary.LittleEndian.AppendUint16(out, uint16(channels*sampleWidth))
	out = binary.LittleEndian.AppendUint16(out, uint16(sampleWidth*8))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// WebSocketEndpoint bridges a browser WebSocket connection and the pipeline
// streams. Each connection gets its own clones of the output streams so
// concurrent clients all observe the full output.
type WebSocketEndpoint struct {
	logger   shared.LoggerAdapter
	server   *RealtimeServer
	pipe     *Pipeline
	upgrader websocket.FastHTTPUpgrader
}

func NewWebSocketEndpoint(logger shared.LoggerAdapter, server *RealtimeServer, pipe *Pipeline) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		logger: logger,
		server: server,
		pipe:   pipe,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
		},
	}
}

// Handler upgrades requests and runs the connection until either side closes.
func (e *WebSocketEndpoint) Handler(ctx context.Context) fasthttp.RequestHandler {
	return func(reqCtx *fasthttp.RequestCtx) {
		err := e.upgrader.Upgrade(reqCtx, func(conn *websocket.Conn) {
			id := e.server.AddConnection()
			defer e.server.RemoveConnection(id)
			defer conn.Close()
			if err := e.serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("websocket connection ended", err, zap.String("connection_id", id))
			}
		})
		if err != nil {
			e.logger.Error("websocket upgrade failed", err)
		}
	}
}

func (e *WebSocketEndpoint) serve(ctx context.Context, conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading audio metadata: %w", err)
	}
	meta, err := ParseAudioMetadata(raw)
	if err != nil {
		return err
	}
	e.logger.Debug(
		"websocket metadata received",
		zap.Int("input_sample_rate", meta.InputSampleRate),
		zap.Int("output_sample_rate", meta.OutputSampleRate),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(f Frame) error {
		body, err := f.Marshal()
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, body)
	}

	errC := make(chan error, 3)
	go func() { errC <- e.receiveLoop(ctx, conn, meta) }()
	go func() { errC <- e.sendAudioLoop(ctx, write, meta) }()
	go func() { errC <- e.sendTextLoop(ctx, write) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		return err
	}
}

// receiveLoop turns incoming frames into pipeline input. PCM arrives base64
// encoded; an odd trailing byte is carried into the next chunk so samples
// stay aligned.
func (e *WebSocketEndpoint) receiveLoop(ctx context.Context, conn *websocket.Conn, meta AudioMetadata) error {
	var pending []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		frame, err := ParseFrame(raw)
		if err != nil {
			e.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case FrameTypeMessage:
			if err := e.pipe.TextIn.Put(TextChunk{Text: frame.Data}); err != nil {
				return err
			}
		case FrameTypeAudio:
			chunk, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				e.logger.Warn("dropping undecodable audio frame", zap.Error(err))
				continue
			}
			pending = append(pending, chunk...)
			if len(pending) < 2 {
				continue
			}
			usable := pending
			if len(pending)%2 != 0 {
				usable = pending[:len(pending)-1]
				pending = pending[len(pending)-1:]
			} else {
				pending = nil
			}
			pipeRate := e.pipe.AudioIn.SampleRate()
			pcm := tools.ResamplePCM(usable, meta.InputSampleRate, pipeRate)
			if err := e.pipe.AudioIn.Put(NewAudioData(pcm, pipeRate)); err != nil {
				return err
			}
		case FrameTypeAudioEnd:
			// Clients do not signal audio end; ignore.
		}
	}
}

func (e *WebSocketEndpoint) sendAudioLoop(ctx context.Context, write func(Frame) error, meta AudioMetadata) error {
	if e.pipe.AudioOut == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	out := e.pipe.AudioOut.Clone()
	for {
		data, err := out.Get(ctx)
		if err != nil {
			return err
		}
		if data.Session != nil {
			continue
		}
		if data.EOT {
			if err := write(Frame{Type: FrameTypeAudioEnd, Timestamp: unixSeconds()}); err != nil {
				return err
			}
			continue
		}
		pcm := tools.ResamplePCM(data.Data, data.SampleRate, meta.OutputSampleRate)
		wav := EncodeWAV(pcm, meta.OutputSampleRate, data.Channels, data.SampleWidth)
		frame := Frame{
			Type:      FrameTypeAudio,
			Data:      base64.StdEncoding.EncodeToString(wav),
			Timestamp: unixSeconds(),
		}
		if err := write(frame); err != nil {
			return err
		}
	}
}

func (e *WebSocketEndpoint) sendTextLoop(ctx context.Context, write func(Frame) error) error {
	if e.pipe.TextOut == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	out := e.pipe.TextOut.Clone()
	for {
		chunk, err := out.Get(ctx)
		if err != nil {
			return err
		}
		if chunk.Session != nil || chunk.EOT {
			continue
		}
		frame := Frame{
			Type:      FrameTypeMessage,
			Data:      chunk.Text,
			Timestamp: unixSeconds(),
		}
		if err := write(frame); err != nil {
			return err
		}
	}
}

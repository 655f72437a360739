package outspeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tools"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

const (
	opusTrackRate     = 48000
	opusTrackChannels = 2
	opusFrameDuration = 20 * time.Millisecond

	// Opus packets carry at most 120 ms of audio.
	maxOpusFrameMs = 120
)

// OfferEndpoint answers WebRTC offers: incoming audio and data channel
// messages feed the pipeline inputs, pipeline outputs are played back on a
// local opus track and the data channel.
type OfferEndpoint struct {
	logger  shared.LoggerAdapter
	server  *RealtimeServer
	metrics *tracing.Publisher
	pipe    *Pipeline
}

func NewOfferEndpoint(logger shared.LoggerAdapter, server *RealtimeServer, metrics *tracing.Publisher, pipe *Pipeline) *OfferEndpoint {
	return &OfferEndpoint{
		logger:  logger,
		server:  server,
		metrics: metrics,
		pipe:    pipe,
	}
}

type sessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Handler accepts POSTed offers and responds with the SDP answer once ICE
// gathering completes.
func (e *OfferEndpoint) Handler(ctx context.Context) fasthttp.RequestHandler {
	return func(reqCtx *fasthttp.RequestCtx) {
		if !reqCtx.IsPost() {
			reqCtx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		e.metrics.Push(tracing.MetricOfferCalled, nil)

		var offer sessionDescription
		if err := sonic.Unmarshal(reqCtx.PostBody(), &offer); err != nil {
			e.logger.Error("unmarshaling offer", err)
			reqCtx.Error("bad request", fasthttp.StatusBadRequest)
			return
		}

		answer, err := e.answer(ctx, offer)
		if err != nil {
			e.logger.Error("answering offer", err)
			reqCtx.Error("internal error", fasthttp.StatusInternalServerError)
			return
		}
		body, err := sonic.Marshal(answer)
		if err != nil {
			e.logger.Error("marshaling answer", err)
			reqCtx.Error("internal error", fasthttp.StatusInternalServerError)
			return
		}
		reqCtx.SetContentType("application/json")
		reqCtx.SetBody(body)
	}
}

func (e *OfferEndpoint) answer(ctx context.Context, offer sessionDescription) (sessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return sessionDescription{}, fmt.Errorf("creating peer connection: %w", err)
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	id := e.server.AddConnection()

	cleanup := func(cause error) {
		cancel(cause)
		e.server.RemoveConnection(id)
		if err := pc.Close(); err != nil {
			e.logger.Warn("closing peer connection", zap.Error(err))
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Trace(
			"peer connection state changed",
			zap.String("connection_id", id),
			zap.String("state", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.metrics.Push(tracing.MetricWebRTCPCConnected, nil)
		case webrtc.PeerConnectionStateDisconnected:
			cleanup(errors.New("peer connection state is disconnected"))
		case webrtc.PeerConnectionStateFailed:
			e.metrics.Push(tracing.MetricWebRTCPCFailed, nil)
			cleanup(errors.New("peer connection state is failed"))
		case webrtc.PeerConnectionStateClosed:
			e.metrics.Push(tracing.MetricWebRTCPCClosed, nil)
			cleanup(errors.New("peer connection state is closed"))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go e.readRemoteAudio(connCtx, track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString {
				e.logger.Warn("received non-string message on data channel")
				return
			}
			if err := e.pipe.TextIn.Put(TextChunk{Text: string(msg.Data)}); err != nil {
				e.logger.Warn("dropping data channel message", zap.Error(err))
			}
		})
		go e.writeTextOut(connCtx, dc)
	})

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusTrackRate,
			Channels:    opusTrackChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"outspeed",
	)
	if err != nil {
		cleanup(err)
		return sessionDescription{}, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err := pc.AddTrack(local); err != nil {
		cleanup(err)
		return sessionDescription{}, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	go e.writeLocalAudio(connCtx, local)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		cleanup(err)
		return sessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cleanup(err)
		return sessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		cleanup(err)
		return sessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-connCtx.Done():
		return sessionDescription{}, context.Cause(connCtx)
	}

	desc := pc.LocalDescription()
	return sessionDescription{SDP: desc.SDP, Type: desc.Type.String()}, nil
}

// readRemoteAudio decodes the peer's opus packets to PCM and feeds the
// pipeline input at its own sample rate.
func (e *OfferEndpoint) readRemoteAudio(ctx context.Context, track *webrtc.TrackRemote) {
	codec := track.Codec()
	rate := int(codec.ClockRate)
	channels := int(codec.Channels)
	if channels <= 0 {
		channels = 1
	}
	decoder, err := opus.NewDecoder(rate, channels)
	if err != nil {
		e.logger.Error("creating opus decoder", err)
		return
	}
	pipeRate := e.pipe.AudioIn.SampleRate()
	pcm := make([]int16, rate*maxOpusFrameMs/1000*channels)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.logger.Debug("remote audio track ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			e.logger.Warn("decoding opus packet", zap.Error(err))
			continue
		}
		mono := tools.DownmixToMono(pcm[:n*channels], channels)
		data := tools.ResamplePCM(tools.SamplesToBytes(mono), rate, pipeRate)
		if err := e.pipe.AudioIn.Put(NewAudioData(data, pipeRate)); err != nil {
			return
		}
	}
}

// pcmFramer buffers mono samples and cuts the fixed-size frames the opus
// encoder requires.
type pcmFramer struct {
	buf  []int16
	size int
}

func newPCMFramer(frameDuration time.Duration, rate int) *pcmFramer {
	return &pcmFramer{size: tools.FrameSamples(frameDuration, rate, 1)}
}

func (f *pcmFramer) push(samples []int16) [][]int16 {
	f.buf = append(f.buf, samples...)
	var frames [][]int16
	for len(f.buf) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	return frames
}

// writeLocalAudio resamples pipeline PCM to the track's clock rate and
// encodes it as 20 ms opus frames.
func (e *OfferEndpoint) writeLocalAudio(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	if e.pipe.AudioOut == nil {
		return
	}
	encoder, err := opus.NewEncoder(opusTrackRate, opusTrackChannels, opus.AppVoIP)
	if err != nil {
		e.logger.Error("creating opus encoder", err)
		return
	}
	framer := newPCMFramer(opusFrameDuration, opusTrackRate)
	packet := make([]byte, 1500)
	out := e.pipe.AudioOut.Clone()
	for {
		data, err := out.Get(ctx)
		if err != nil {
			return
		}
		if data.Session != nil || data.EOT || len(data.Data) == 0 {
			continue
		}
		rate := data.SampleRate
		if rate <= 0 {
			rate = out.SampleRate()
		}
		resampled := tools.ResamplePCM(data.Data, rate, opusTrackRate)
		for _, frame := range framer.push(tools.BytesToSamples(resampled)) {
			n, err := encoder.Encode(tools.MonoToStereo(frame), packet)
			if err != nil {
				e.logger.Warn("encoding opus frame", zap.Error(err))
				continue
			}
			payload := make([]byte, n)
			copy(payload, packet[:n])
			sample := media.Sample{Data: payload, Duration: opusFrameDuration}
			if err := track.WriteSample(sample); err != nil {
				e.logger.Warn("writing audio sample", zap.Error(err))
				return
			}
		}
	}
}

func (e *OfferEndpoint) writeTextOut(ctx context.Context, dc *webrtc.DataChannel) {
	if e.pipe.TextOut == nil {
		return
	}
	out := e.pipe.TextOut.Clone()
	for {
		chunk, err := out.Get(ctx)
		if err != nil {
			return
		}
		if chunk.Session != nil || chunk.EOT {
			continue
		}
		if err := dc.SendText(chunk.Text); err != nil {
			e.logger.Warn("sending text over data channel", zap.Error(err))
			return
		}
	}
}

package outspeed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

// Pipeline holds the streams a handler wires together. The input streams are
// created by the app; the handler fills in the outputs it produces during Run.
type Pipeline struct {
	AudioIn *AudioStream
	TextIn  *TextStream
	VideoIn *VideoStream

	AudioOut *AudioStream
	TextOut  *TextStream
	VideoOut *VideoStream
}

// NewPipeline builds a pipeline with inputs ready and outputs unset.
func NewPipeline(inputSampleRate int) *Pipeline {
	return &Pipeline{
		AudioIn: NewAudioStream(inputSampleRate),
		TextIn:  NewTextStream(),
		VideoIn: NewVideoStream(),
	}
}

// Wired reports whether Run set at least one output stream.
func (p *Pipeline) Wired() bool {
	return p.AudioOut != nil || p.TextOut != nil || p.VideoOut != nil
}

// Handler is user code running one realtime function. Run connects the
// pipeline inputs to outputs and returns without blocking; the streams keep
// flowing until the context is done.
type Handler interface {
	Setup(ctx context.Context) error
	Run(ctx context.Context, pipe *Pipeline) error
	Teardown(ctx context.Context) error
}

// App owns the server lifecycle around a handler.
type App struct {
	logger  shared.LoggerAdapter
	handler Handler
	metrics *tracing.Publisher
}

func NewApp(logger shared.LoggerAdapter, handler Handler) (*App, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if handler == nil {
		return nil, shared.ErrNoHandler
	}
	return &App{
		logger:  logger,
		handler: handler,
		metrics: tracing.NewPublisherFromEnv(logger),
	}, nil
}

// Start runs the handler behind the realtime server until the context is
// done. Teardown always runs, even when setup or serving fails.
func (a *App) Start(ctx context.Context) (err error) {
	if err := a.handler.Setup(ctx); err != nil {
		return fmt.Errorf("handler setup: %w", err)
	}
	defer func() {
		if terr := a.handler.Teardown(ctx); terr != nil {
			a.logger.Error("handler teardown", terr)
			if err == nil {
				err = fmt.Errorf("handler teardown: %w", terr)
			}
		}
	}()

	pipe := NewPipeline(DefaultSampleRate)
	if err := a.handler.Run(ctx, pipe); err != nil {
		return fmt.Errorf("handler run: %w", err)
	}
	if !pipe.Wired() {
		return shared.ErrPipelineNotWired
	}

	server, err := NewRealtimeServer(a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	ws := NewWebSocketEndpoint(a.logger, server, pipe)
	if err := server.Handle("/ws", ws.Handler(ctx)); err != nil {
		return err
	}
	offer := NewOfferEndpoint(a.logger, server, a.metrics, pipe)
	if err := server.Handle("/offer", offer.Handler(ctx)); err != nil {
		return err
	}

	a.logger.Info("starting realtime app", zap.String("addr", server.Addr()), zap.Bool("tls", server.TLS()))
	return server.Start(ctx)
}

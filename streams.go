package outspeed

import (
	"context"
	"sync"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Kind identifies the payload family of a stream.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindText  Kind = "text"
	KindBytes Kind = "bytes"
	KindVAD   Kind = "vad"
)

// TextChunk is one unit on a text stream. EOT marks the end of a turn (the
// model finished a response, or an utterance is complete).
type TextChunk struct {
	Text string
	EOT  bool

	Session *SessionData
}

// VADState is the speaking state emitted by voice activity detection.
type VADState int

const (
	VADQuiet VADState = iota + 1
	VADStarting
	VADSpeaking
	VADStopping
)

func (s VADState) String() string {
	switch s {
	case VADQuiet:
		return "quiet"
	case VADStarting:
		return "starting"
	case VADSpeaking:
		return "speaking"
	case VADStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stream is an unbounded FIFO that can be cloned for fan-out: every item put
// into a cloned stream is delivered to all of its clones. Put never blocks;
// Get blocks until an item arrives, the stream is closed, or the context is
// done.
type Stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	clones []*Stream[T]
	closed bool
	kind   Kind
}

// NewStream builds an empty stream of the given kind.
func NewStream[T any](kind Kind) *Stream[T] {
	s := &Stream[T]{kind: kind}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream[T]) Kind() Kind {
	return s.kind
}

// Put delivers an item. A stream without clones queues the item for its own
// readers; once clones exist the stream becomes a pure distributor and items
// go to the clones only, so an unread parent never accumulates.
func (s *Stream[T]) Put(item T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrStreamClosed
	}
	clones := s.clones
	if len(clones) == 0 {
		s.items = append(s.items, item)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	for _, clone := range clones {
		_ = clone.Put(item)
	}
	return nil
}

// Get removes and returns the oldest item, blocking as needed.
func (s *Stream[T]) Get(ctx context.Context) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 {
		if s.closed {
			return zero, shared.ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		waited := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				// Taking the lock first guarantees Wait below is already
				// parked, so the broadcast cannot be lost.
				s.mu.Lock()
				s.mu.Unlock() //nolint:staticcheck
				s.cond.Broadcast()
			case <-waited:
			}
		}()
		s.cond.Wait()
		close(waited)
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

// TryGet removes and returns the oldest item without blocking.
func (s *Stream[T]) TryGet() (T, bool) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return zero, false
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, true
}

func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Stream[T]) Empty() bool {
	return s.Len() == 0
}

// Drain discards everything currently queued, here and in every clone.
// Clones hold the queues once a stream becomes a distributor, so a drain
// that skipped them would leave stale items playing out.
func (s *Stream[T]) Drain() {
	s.mu.Lock()
	s.items = nil
	clones := s.clones
	s.mu.Unlock()
	for _, clone := range clones {
		clone.Drain()
	}
}

// Close marks the stream (and its clones) closed. Pending items stay readable;
// Get returns ErrStreamClosed once the queue is empty.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clones := s.clones
	s.cond.Broadcast()
	s.mu.Unlock()
	for _, clone := range clones {
		clone.Close()
	}
}

// Clone registers and returns a copy. Items put into the parent after this
// call are also delivered to the clone; already-queued items are not copied.
func (s *Stream[T]) Clone() *Stream[T] {
	clone := NewStream[T](s.kind)
	s.mu.Lock()
	s.clones = append(s.clones, clone)
	s.mu.Unlock()
	return clone
}

// AudioStream carries AudioData at a fixed sample rate.
type AudioStream struct {
	*Stream[AudioData]
	sampleRate int
}

// NewAudioStream builds an audio stream; a non-positive sample rate falls back
// to DefaultSampleRate.
func NewAudioStream(sampleRate int) *AudioStream {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &AudioStream{Stream: NewStream[AudioData](KindAudio), sampleRate: sampleRate}
}

func (s *AudioStream) SampleRate() int {
	return s.sampleRate
}

func (s *AudioStream) Clone() *AudioStream {
	return &AudioStream{Stream: s.Stream.Clone(), sampleRate: s.sampleRate}
}

// VideoStream carries encoded video frames.
type VideoStream struct {
	*Stream[ImageData]
}

func NewVideoStream() *VideoStream {
	return &VideoStream{Stream: NewStream[ImageData](KindVideo)}
}

func (s *VideoStream) Clone() *VideoStream {
	return &VideoStream{Stream: s.Stream.Clone()}
}

// TextStream carries text chunks.
type TextStream struct {
	*Stream[TextChunk]
}

func NewTextStream() *TextStream {
	return &TextStream{Stream: NewStream[TextChunk](KindText)}
}

func (s *TextStream) Clone() *TextStream {
	return &TextStream{Stream: s.Stream.Clone()}
}

// ByteStream carries raw byte slices.
type ByteStream struct {
	*Stream[[]byte]
}

func NewByteStream() *ByteStream {
	return &ByteStream{Stream: NewStream[[]byte](KindBytes)}
}

func (s *ByteStream) Clone() *ByteStream {
	return &ByteStream{Stream: s.Stream.Clone()}
}

// VADStream carries voice activity state transitions.
type VADStream struct {
	*Stream[VADState]
}

func NewVADStream() *VADStream {
	return &VADStream{Stream: NewStream[VADState](KindVAD)}
}

func (s *VADStream) Clone() *VADStream {
	return &VADStream{Stream: s.Stream.Clone()}
}

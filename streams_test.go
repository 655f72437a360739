package outspeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outspeed-ai/outspeed-go/shared"
)

func TestStreamFIFO(t *testing.T) {
	s := NewStream[int](KindText)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Put(i))
	}
	assert.Equal(t, 5, s.Len())
	for i := 1; i <= 5; i++ {
		got, err := s.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.True(t, s.Empty())
}

func TestStreamTryGet(t *testing.T) {
	s := NewStream[string](KindText)
	_, ok := s.TryGet()
	assert.False(t, ok)

	require.NoError(t, s.Put("hello"))
	got, ok := s.TryGet()
	assert.True(t, ok)
	assert.Equal(t, "hello", got)
}

func TestStreamGetBlocksUntilPut(t *testing.T) {
	s := NewStream[int](KindAudio)
	done := make(chan int, 1)
	go func() {
		got, err := s.Get(context.Background())
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Put(42))

	select {
	case got := <-done:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up after Put")
	}
}

func TestStreamGetRespectsContext(t *testing.T) {
	s := NewStream[int](KindAudio)
	ctx, cancel := context.WithCancel(context.Background())

	errC := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx)
		errC <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not observe context cancellation")
	}
}

func TestStreamCloneFanOut(t *testing.T) {
	s := NewStream[int](KindText)
	a := s.Clone()
	b := s.Clone()

	require.NoError(t, s.Put(7))

	gotA, err := a.Get(context.Background())
	require.NoError(t, err)
	gotB, err := b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, gotA)
	assert.Equal(t, 7, gotB)

	// Once clones exist the parent is a distributor; nothing queues on it.
	assert.True(t, s.Empty())
}

func TestStreamCloneDoesNotCopyBacklog(t *testing.T) {
	s := NewStream[int](KindText)
	require.NoError(t, s.Put(1))

	clone := s.Clone()
	assert.True(t, clone.Empty())

	require.NoError(t, s.Put(2))
	got, err := clone.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestStreamCloseSemantics(t *testing.T) {
	s := NewStream[int](KindText)
	clone := s.Clone()
	require.NoError(t, s.Put(1))
	s.Close()

	assert.ErrorIs(t, s.Put(2), shared.ErrStreamClosed)

	// Pending items stay readable on the clone, then it reports closed.
	got, err := clone.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	_, err = clone.Get(context.Background())
	assert.ErrorIs(t, err, shared.ErrStreamClosed)
}

func TestStreamDrain(t *testing.T) {
	s := NewStream[int](KindText)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(i))
	}
	s.Drain()
	assert.True(t, s.Empty())
}

func TestStreamDrainReachesClones(t *testing.T) {
	s := NewStream[int](KindText)
	c1 := s.Clone()
	c2 := c1.Clone()
	require.NoError(t, s.Put(1))
	require.NoError(t, s.Put(2))

	// Items sit in the leaf clone; draining the root must reach it.
	assert.Equal(t, 2, c2.Len())
	s.Drain()
	assert.True(t, c1.Empty())
	assert.True(t, c2.Empty())
}

func TestTypedStreamClones(t *testing.T) {
	audio := NewAudioStream(16000)
	assert.Equal(t, 16000, audio.SampleRate())
	assert.Equal(t, 16000, audio.Clone().SampleRate())
	assert.Equal(t, KindAudio, audio.Kind())

	assert.Equal(t, KindText, NewTextStream().Clone().Kind())
	assert.Equal(t, KindVideo, NewVideoStream().Clone().Kind())
	assert.Equal(t, KindBytes, NewByteStream().Clone().Kind())
	assert.Equal(t, KindVAD, NewVADStream().Clone().Kind())
}

func TestAudioStreamDefaultsSampleRate(t *testing.T) {
	assert.Equal(t, DefaultSampleRate, NewAudioStream(0).SampleRate())
}

func TestVADStateString(t *testing.T) {
	tests := []struct {
		state    VADState
		expected string
	}{
		{VADQuiet, "quiet"},
		{VADStarting, "starting"},
		{VADSpeaking, "speaking"},
		{VADStopping, "stopping"},
		{VADState(0), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

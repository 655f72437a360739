package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
)

func TestTokenAggregatorPush(t *testing.T) {
	tests := []struct {
		name     string
		tokens   []string
		expected []string
	}{
		{
			name:     "one sentence across tokens",
			tokens:   []string{"Hello", " there", ", how are you", "?"},
			expected: []string{"Hello there, how are you?"},
		},
		{
			name:     "short sentence is held until more text arrives",
			tokens:   []string{"Hi.", " Nice to meet you."},
			expected: []string{"Hi. Nice to meet you."},
		},
		{
			name:     "newline ends a sentence",
			tokens:   []string{"First line of text\n"},
			expected: []string{"First line of text\n"},
		},
		{
			name:     "no boundary emits nothing",
			tokens:   []string{"Still ", "going"},
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewTokenAggregator(shared.NewNopLogger())
			var got []string
			for _, token := range tt.tokens {
				got = append(got, a.push(token)...)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTokenAggregatorFlushOnEOT(t *testing.T) {
	a := NewTokenAggregator(shared.NewNopLogger())
	in := outspeed.NewTextStream()
	out := a.Attach(context.Background(), in)

	require.NoError(t, in.Put(outspeed.TextChunk{Text: "Partial answer without a boundary"}))
	require.NoError(t, in.Put(outspeed.TextChunk{EOT: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := out.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Partial answer without a boundary", first.Text)
	assert.False(t, first.EOT)

	second, err := out.Get(ctx)
	require.NoError(t, err)
	assert.True(t, second.EOT)
}

func TestTokenAggregatorInterruptClearsBuffer(t *testing.T) {
	a := NewTokenAggregator(shared.NewNopLogger())
	assert.Empty(t, a.push("Half a sent"))
	a.Interrupt()
	got := a.push("ence that should start fresh.")
	require.Len(t, got, 1)
	assert.Equal(t, "ence that should start fresh.", got[0])
}

func TestTokenAggregatorForwardsSessionMarkers(t *testing.T) {
	a := NewTokenAggregator(shared.NewNopLogger())
	in := outspeed.NewTextStream()
	out := a.Attach(context.Background(), in)

	session := outspeed.NewSessionData()
	require.NoError(t, in.Put(outspeed.TextChunk{Session: session}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := out.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, session, got.Session)
}

func TestTokenAggregatorInterruptDropsPendingOutput(t *testing.T) {
	a := NewTokenAggregator(shared.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := outspeed.NewTextStream()
	out := a.Attach(ctx, in)

	require.NoError(t, in.Put(outspeed.TextChunk{Text: "A full sentence ready to speak."}))
	require.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, 5*time.Millisecond)

	a.Interrupt()
	assert.True(t, out.Empty())
}

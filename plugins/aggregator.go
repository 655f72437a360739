package plugins

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
)

// Sentence boundaries the aggregator emits on.
var sentenceEndings = []string{".", "!", "?", "\n"}

const minAggregateLen = 10

// TokenAggregator batches model tokens into sentence-sized chunks so
// downstream synthesis gets natural prosody instead of word-by-word audio.
// End-of-turn markers flush whatever is buffered.
type TokenAggregator struct {
	logger shared.LoggerAdapter

	mu   sync.Mutex
	buf  strings.Builder
	outs []*outspeed.TextStream
}

func NewTokenAggregator(logger shared.LoggerAdapter) *TokenAggregator {
	return &TokenAggregator{logger: logger}
}

// Attach consumes tokens from in and produces aggregated chunks on the
// returned stream. The output closes when the input closes or the context is
// done.
func (a *TokenAggregator) Attach(ctx context.Context, in *outspeed.TextStream) *outspeed.TextStream {
	out := outspeed.NewTextStream()
	a.mu.Lock()
	a.outs = append(a.outs, out)
	a.mu.Unlock()
	go func() {
		defer out.Close()
		for {
			chunk, err := in.Get(ctx)
			if err != nil {
				a.flushInto(out, nil)
				return
			}
			if chunk.Session != nil {
				if err := out.Put(chunk); err != nil {
					return
				}
				continue
			}
			if chunk.EOT {
				a.flushInto(out, chunk.Session)
				if err := out.Put(outspeed.TextChunk{EOT: true}); err != nil {
					return
				}
				continue
			}
			for _, sentence := range a.push(chunk.Text) {
				if err := out.Put(outspeed.TextChunk{Text: sentence}); err != nil {
					return
				}
			}
		}
	}()
	return out
}

// push appends a token and returns any completed sentences. Fragments under
// the minimum length absorb the following sentence instead of being emitted
// on their own.
func (a *TokenAggregator) push(token string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.WriteString(token)
	text := a.buf.String()

	var out []string
	from := 0
	for {
		idx := earliestSentenceEnd(text, from)
		if idx < 0 {
			break
		}
		candidate := text[:idx+1]
		if len(strings.TrimSpace(candidate)) < minAggregateLen {
			from = idx + 1
			continue
		}
		out = append(out, candidate)
		text = text[idx+1:]
		from = 0
	}
	a.buf.Reset()
	a.buf.WriteString(text)
	return out
}

func earliestSentenceEnd(text string, from int) int {
	if from >= len(text) {
		return -1
	}
	idx := -1
	for _, ending := range sentenceEndings {
		if i := strings.Index(text[from:], ending); i >= 0 && (idx < 0 || from+i < idx) {
			idx = from + i
		}
	}
	return idx
}

func (a *TokenAggregator) flushInto(out *outspeed.TextStream, session *outspeed.SessionData) {
	a.mu.Lock()
	text := a.buf.String()
	a.buf.Reset()
	a.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := out.Put(outspeed.TextChunk{Text: text, Session: session}); err != nil {
		a.logger.Warn("dropping aggregated tail", zap.Error(err))
	}
}

// Interrupt drops the partial sentence buffered so far and any completed
// sentences still queued downstream.
func (a *TokenAggregator) Interrupt() {
	a.mu.Lock()
	a.buf.Reset()
	outs := a.outs
	a.mu.Unlock()
	for _, out := range outs {
		out.Drain()
	}
}

func (a *TokenAggregator) Close() error {
	a.Interrupt()
	return nil
}

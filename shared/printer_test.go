package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
	closed bool
}

func (b *bufferHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinterRequiresHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := &bufferHook{}
	p, err := NewPrinter("  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("first\nsecond", 1))
	assert.Equal(t, "  first\n  second\n", hook.String())
}

func TestPrinterZeroIndent(t *testing.T) {
	hook := &bufferHook{}
	p, err := NewPrinter("  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Write("plain", 0))
	assert.Equal(t, "plain", hook.String())
}

func TestPrinterCloseClosesHooks(t *testing.T) {
	hook := &bufferHook{}
	p, err := NewPrinter("\t", hook)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, hook.closed)
}

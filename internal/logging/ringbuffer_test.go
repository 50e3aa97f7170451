package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferBelowCapacity(t *testing.T) {
	rb := NewRingBuffer(16)
	_, _ = rb.Write([]byte("abc"))
	_, _ = rb.Write([]byte("def"))

	assert.Equal(t, "abcdef", string(rb.Bytes()))
	assert.Equal(t, 6, rb.Len())
	assert.Equal(t, 16, rb.Cap())
}

func TestRingBufferWrapKeepsNewest(t *testing.T) {
	rb := NewRingBuffer(8)
	_, _ = rb.Write([]byte("12345"))
	_, _ = rb.Write([]byte("6789AB"))

	assert.Equal(t, "456789AB", string(rb.Bytes()))
	assert.Equal(t, 8, rb.Len())
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	n, err := rb.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "6789", string(rb.Bytes()))
}

func TestRingBufferExactFill(t *testing.T) {
	rb := NewRingBuffer(4)
	_, _ = rb.Write([]byte("wxyz"))
	assert.Equal(t, "wxyz", string(rb.Bytes()))
	_, _ = rb.Write([]byte("!"))
	assert.Equal(t, "xyz!", string(rb.Bytes()))
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(4)
	_, _ = rb.Write([]byte("abcdef"))
	rb.Reset()
	assert.Zero(t, rb.Len())
	assert.Empty(t, rb.Bytes())

	_, _ = rb.Write([]byte("hi"))
	assert.Equal(t, "hi", string(rb.Bytes()))
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(8)
	_, _ = rb.Write([]byte("line one\n"))

	path := filepath.Join(t.TempDir(), "dump.log")
	require.NoError(t, rb.DumpToFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ine one\n", string(data))
}

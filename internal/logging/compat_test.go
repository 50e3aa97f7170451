package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeWriterMapsPrefix(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	StdLogger(CompHost).Printf("http: TLS handshake error from 127.0.0.1: EOF")
	_, _ = NewBridgeWriter(CompHost).Write([]byte("2026/01/02 15:04:05 child exited\n"))
	_, _ = NewBridgeWriter(CompHost).Write([]byte("   \n"))

	records := readRecords(t, dir)
	require.Len(t, records, 2)

	web := findMsg(records, "TLS handshake error from 127.0.0.1: EOF")
	require.NotNil(t, web)
	assert.Equal(t, CompWeb, web["component"])
	assert.Equal(t, "WARN", web["level"])

	host := findMsg(records, "child exited")
	require.NotNil(t, host)
	assert.Equal(t, CompHost, host["component"])
}

func TestStripLogTimestamp(t *testing.T) {
	assert.Equal(t, "msg", stripLogTimestamp("2026/01/02 15:04:05 msg"))
	assert.Equal(t, "msg", stripLogTimestamp("15:04:05 msg"))
	assert.Equal(t, "plain", stripLogTimestamp("plain"))
}

func TestCanonicalComponentUnknown(t *testing.T) {
	_, ok := canonicalComponent("mystery")
	assert.False(t, ok)
	c, ok := canonicalComponent("sqlite")
	assert.True(t, ok)
	assert.Equal(t, CompStorage, c)
}

package clog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFilteringSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Log(LevelDebug, "xport", "msg", "quiet")
	require.Empty(t, buf.String())

	l.Log(LevelError, "xport", "msg", "loud")
	require.Contains(t, buf.String(), "loud")
}

func TestTagLevelOverridesDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelError)
	l.SetTagLevel("protocol", LevelDebug)

	l.Log(LevelDebug, "protocol", "msg", "resend")
	require.Contains(t, buf.String(), "resend")
}

func TestWithChainsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelInfo)

	e := l.With("peer", "a:1").With("seq", 3)
	e.Log(LevelInfo, "protocol")

	out := buf.String()
	require.True(t, strings.Contains(out, "peer=a:1") && strings.Contains(out, "seq=3"))
}

package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/types/known/structpb"
)

func captureOutput(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevLevel := GetLevel()
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel(prevLevel)
	})
	return &buf
}

// TestLevelFiltering verifies messages below the current level are dropped
func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, WARN)

	Debug("link", "hidden")
	Info("link", "hidden too")
	Warn("link", "size mismatch %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[link WARN ] size mismatch 3")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
}

func TestToJSONProtoMessage(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"state": "connected"})
	assert.NoError(t, err)

	out := ToJSON(msg)
	assert.True(t, strings.Contains(out, `"state"`), out)
	assert.True(t, strings.Contains(out, `"connected"`), out)
}

func TestDebugJSONRespectsLevel(t *testing.T) {
	buf := captureOutput(t, INFO)
	DebugJSON("bridge", "envelope", map[string]int{"n": 1})
	assert.Empty(t, buf.String())
}

func TestConfigurePrefixOverrides(t *testing.T) {
	buf := captureOutput(t, INFO)
	t.Cleanup(func() { Configure("INFO") })

	Configure("WARN, link=TRACE ,command=debug")
	assert.Equal(t, WARN, GetLevel())

	Trace("link", "notify %d bytes", 20)
	Debug("command", "keep-alive tick")
	Trace("command", "hidden")
	Info("engine", "hidden too")
	Error("engine", "boom")

	out := buf.String()
	assert.Contains(t, out, "[link TRACE] notify 20 bytes")
	assert.Contains(t, out, "[command DEBUG] keep-alive tick")
	assert.Contains(t, out, "[engine ERROR] boom")
	assert.NotContains(t, out, "hidden")

	assert.True(t, Enabled(TRACE, "link"))
	assert.False(t, Enabled(INFO, "bridge"))
}

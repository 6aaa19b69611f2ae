package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/protocol"
)

func TestObserveSensorLines(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return at }

	var got []Reading
	tr.OnReading(func(r Reading) { got = append(got, r) })

	assert.False(t, tr.Observe(protocol.ClassifyLine("F")))
	_, ok := tr.Last()
	assert.False(t, ok)
	assert.Nil(t, tr.Snapshot())

	assert.True(t, tr.Observe(protocol.ClassifyLine("DHT:T=22.5,H=--")))
	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, at, last.At)
	require.NotNil(t, last.TemperatureC)
	assert.Equal(t, 22.5, *last.TemperatureC)
	assert.Nil(t, last.HumidityPct)
	assert.Len(t, got, 1)

	snap := tr.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 22.5, *snap.TemperatureC)
}

type countingSender struct {
	mu   sync.Mutex
	cmds []string
}

func (c *countingSender) Send(_ context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmds)
}

func TestPollRequestsReadings(t *testing.T) {
	tr := NewTracker()
	s := &countingSender{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Poll(ctx, s, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, protocol.CmdHumidity, s.cmds[0])
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/engine"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]nats.MsgHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return &nats.Subscription{Subject: subject}, nil
}

func (c *fakeConn) deliver(subject string, msg *nats.Msg) {
	c.mu.Lock()
	cb := c.handlers[subject]
	c.mu.Unlock()
	cb(msg)
}

func (c *fakeConn) on(subject string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeKV struct {
	mu     sync.Mutex
	values map[string]interface{}
	ttls   map[string]time.Duration
	hashes map[string]map[string]interface{}
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string]interface{}),
		ttls:   make(map[string]time.Duration),
		hashes: make(map[string]map[string]interface{}),
	}
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Expire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]interface{})
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1]
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeController) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) Send(_ context.Context, cmd string) error { return c.record("send " + cmd) }
func (c *fakeController) StartKeepAlive(_ context.Context, cmd string, d time.Duration) error {
	return c.record("keepalive " + cmd + " " + d.String())
}
func (c *fakeController) StopKeepAlive(context.Context) error { return c.record("stop") }
func (c *fakeController) Capture(context.Context) error       { return c.record("capture") }
func (c *fakeController) StartMission(_ context.Context, id string) error {
	return c.record("mission " + id)
}
func (c *fakeController) StopMission(context.Context) error { return c.record("mission stop") }

func event(kind engine.Kind, data map[string]interface{}) engine.Event {
	return engine.Event{Kind: kind, At: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), Data: data}
}

func TestEventsPublishedWithEnvelope(t *testing.T) {
	nc := newFakeConn()
	b := New("r1", WithNATS(nc))

	require.NoError(t, b.HandleEvent(context.Background(), event(engine.KindPhoto, map[string]interface{}{
		"result": "ok", "id": "abc", "size": 2048,
	})))

	msgs := nc.on("rover.r1.photo")
	require.Len(t, msgs, 1)
	assert.Len(t, nc.on("rover.all"), 1)

	env, err := DecodeEnvelope(msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, "r1", env.Rover)
	assert.Equal(t, engine.KindPhoto, env.Kind)
	assert.Equal(t, uint64(1), env.Seq)
	assert.True(t, env.At.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "abc", env.Data["id"])
	assert.Equal(t, 2048.0, env.Data["size"])
}

func TestDecodeEnvelopeRejectsForeignMessages(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"hello":"world"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestSessionRegistryLifecycle(t *testing.T) {
	kv := newFakeKV()
	b := New("r1", WithRedis(kv))
	ctx := context.Background()

	require.NoError(t, b.HandleEvent(ctx, event(engine.KindState, map[string]interface{}{
		"state": "connected", "address": "r1", "name": "ROVER-R1", "mtu": 185,
	})))
	require.Contains(t, kv.values, "rover:sess:r1")
	assert.Equal(t, SessionTTL, kv.ttls["rover:sess:r1"])

	var sess map[string]interface{}
	require.NoError(t, json.Unmarshal(kv.values["rover:sess:r1"].([]byte), &sess))
	assert.Equal(t, "ROVER-R1", sess["name"])

	require.NoError(t, b.HandleEvent(ctx, event(engine.KindTelemetry, map[string]interface{}{
		"ok": true, "temperature_c": 21.5,
	})))
	shadow := kv.hashes["rover:shadow:r1"]
	assert.Equal(t, "connected", shadow["link"])
	assert.Equal(t, 21.5, shadow["temperature_c"])
	assert.Equal(t, ShadowTTL, kv.ttls["rover:shadow:r1"])

	require.NoError(t, b.HandleEvent(ctx, event(engine.KindState, map[string]interface{}{"state": "idle"})))
	assert.NotContains(t, kv.values, "rover:sess:r1")
	assert.Equal(t, "idle", kv.hashes["rover:shadow:r1"]["link"])
}

func TestDownlinkCommandsAndReplies(t *testing.T) {
	nc := newFakeConn()
	ctrl := &fakeController{}
	b := New("r1", WithNATS(nc), WithController(ctrl))
	require.NoError(t, b.Start())

	nc.deliver("rover.r1.command", &nats.Msg{Subject: "rover.r1.command", Reply: "_INBOX.1",
		Data: []byte(`{"action":"keepalive","command":"F","interval_ms":80}`)})
	nc.deliver("rover.r1.command", &nats.Msg{Subject: "rover.r1.command",
		Data: []byte(`{"action":"capture"}`)})
	nc.deliver("rover.r1.command", &nats.Msg{Subject: "rover.r1.command", Reply: "_INBOX.2",
		Data: []byte(`{"action":"warp"}`)})

	assert.Equal(t, []string{"keepalive F 80ms", "capture"}, ctrl.calls)

	var ok Reply
	require.Len(t, nc.on("_INBOX.1"), 1)
	require.NoError(t, json.Unmarshal(nc.on("_INBOX.1")[0].data, &ok))
	assert.True(t, ok.OK)

	var bad Reply
	require.Len(t, nc.on("_INBOX.2"), 1)
	require.NoError(t, json.Unmarshal(nc.on("_INBOX.2")[0].data, &bad))
	assert.False(t, bad.OK)
	assert.Contains(t, bad.Error, "warp")
}

func TestExecuteReportsControllerErrors(t *testing.T) {
	ctrl := &fakeController{err: errors.New("not connected")}
	b := New("r1", WithController(ctrl))

	err := b.Execute(context.Background(), Command{Action: "send", Command: "S"})
	assert.EqualError(t, err, "not connected")
	assert.Error(t, b.Execute(context.Background(), Command{Action: "send"}))
}

func TestRunStopsWhenFeedCloses(t *testing.T) {
	nc := newFakeConn()
	b := New("r1", WithNATS(nc))
	events := make(chan engine.Event, 2)
	events <- event(engine.KindLine, map[string]interface{}{"text": "hello"})
	close(events)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, nc.on("rover.r1.line"), 1)
}

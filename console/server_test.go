package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/engine"
	"github.com/user/rover-link/gallery"
	"github.com/user/rover-link/link"
	"github.com/user/rover-link/metrics"
	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/wire"
	"github.com/user/rover-link/wire/wiretest"
)

type rig struct {
	srv    *httptest.Server
	engine *engine.Engine
	radio  *wiretest.MockRadio
	store  *gallery.FileStore
}

func newRig(t *testing.T) *rig {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))

	store, err := gallery.Open(t.TempDir())
	require.NoError(t, err)

	radio := wiretest.NewMockRadio()
	e := engine.New(radio, store, engine.WithMetrics(m), engine.WithLinkOptions(link.WithScanWindow(50*time.Millisecond)))
	t.Cleanup(func() { e.Close(context.Background()) })

	srv := httptest.NewServer(New(e, WithGallery(store), WithGatherer(reg)).Handler())
	t.Cleanup(srv.Close)
	return &rig{srv: srv, engine: e, radio: radio, store: store}
}

func (r *rig) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (r *rig) connect(t *testing.T) *wiretest.MockPeripheral {
	t.Helper()
	resp := r.post(t, "/connect", `{"address":"mock","name":"ROVER-M"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return r.radio.LastPeripheral()
}

func TestHealth(t *testing.T) {
	r := newRig(t)
	resp, err := http.Get(r.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommandRequiresConnection(t *testing.T) {
	r := newRig(t)

	resp := r.post(t, "/command", `{"command":"F"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = r.post(t, "/capture", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = r.post(t, "/command", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectAndDrive(t *testing.T) {
	r := newRig(t)
	p := r.connect(t)

	resp := r.post(t, "/command", `{"command":"F"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	writes := p.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, "F", string(writes[len(writes)-1].Data))

	resp = r.post(t, "/keepalive", `{"command":"F","interval_ms":500}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(r.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "connected", st.Link)
	require.NotNil(t, st.Remote)
	assert.Equal(t, "mock", st.Remote.Address)
}

func TestScanReturnsDevices(t *testing.T) {
	r := newRig(t)
	r.radio.SetAdvertisements(wire.Advertisement{Address: "aa:bb", LocalName: "ROVER-7", RSSI: -48})

	resp := r.post(t, "/scan", `{"all":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices []link.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "ROVER-7", devices[0].Name)
}

func TestEventsWebsocket(t *testing.T) {
	r := newRig(t)
	p := r.connect(t)

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	p.Notify([]byte("DHT:T=20.0,H=30.0"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev engine.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind == engine.KindTelemetry {
			assert.Equal(t, 20.0, ev.Data["temperature_c"])
			return
		}
	}
}

func TestPhotosServedFromGallery(t *testing.T) {
	r := newRig(t)
	data := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	id, err := r.store.Save(context.Background(), data, phototransfer.AssetMeta{
		Size:       len(data),
		CapturedAt: time.Now(),
		Source:     phototransfer.SourceManual,
		MissionID:  "m-9",
	})
	require.NoError(t, err)

	resp, err := http.Get(r.srv.URL + "/photos?mission=m-9")
	require.NoError(t, err)
	defer resp.Body.Close()
	var records []gallery.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	img, err := http.Get(r.srv.URL + "/photos/" + id)
	require.NoError(t, err)
	defer img.Body.Close()
	assert.Equal(t, "image/jpeg", img.Header.Get("Content-Type"))
	body, err := io.ReadAll(img.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, body))

	missing, err := http.Get(r.srv.URL + "/photos/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.post(t, "/command", `{"command":"S"}`)

	resp, err := http.Get(r.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `roverlink_commands_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), `roverlink_link_state{state="connected"} 1`)
}

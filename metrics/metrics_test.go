package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"), WithConstLabels(prometheus.Labels{"rover": "r1"}))

	m.CommandsSent.WithLabelValues("ok").Add(3)
	m.Transfers.WithLabelValues("timeout").Inc()
	m.TransferDuration.Observe(1.5)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transfers.WithLabelValues("timeout")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_commands_total"])
	assert.True(t, names["test_photo_transfer_duration_seconds"])
}

func TestSetLinkState(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))
	all := []string{"idle", "connected"}

	m.SetLinkState("connected", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinkState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LinkState.WithLabelValues("idle")))

	m.SetLinkState("idle", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LinkState.WithLabelValues("connected")))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/danielloader/acng-core/internal/registry"
	"github.com/danielloader/acng-core/internal/store"
)

func TestPollRegistryReflectsProlongedDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	st := store.NewFSStore(t.TempDir(), 0o755, 0o644)
	require.NoError(t, st.Init())
	r := registry.New(st, time.Hour, 0)

	m.PollRegistry(r)
	require.Equal(t, float64(0), gaugeValue(t, m.ProlongedDepth))
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

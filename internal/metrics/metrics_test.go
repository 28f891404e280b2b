package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ConnectionsActive.Inc()
	m.SessionsTotal.Inc()
	m.BytesRelayed.WithLabelValues("to_target").Add(128)
	m.ReassemblyDrops.WithLabelValues(DropTimeout).Inc()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("to_target")); got != 128 {
		t.Errorf("bytes_relayed{to_target} = %v, want 128", got)
	}
	if got := testutil.ToFloat64(m.ReassemblyDrops.WithLabelValues(DropTimeout)); got != 1 {
		t.Errorf("reassembly_drops{timeout} = %v, want 1", got)
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default returned different instances")
	}
}

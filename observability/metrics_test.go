package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBumpdReturnsSharedRegistry(t *testing.T) {
	first := Bumpd()
	second := Bumpd()
	require.Same(t, first, second)
}

func TestRecordTickCounts(t *testing.T) {
	m := Bumpd()
	before := testutil.ToFloat64(m.TickOutcomes.WithLabelValues("success"))
	m.RecordTick("success")
	m.RecordTick("success")
	after := testutil.ToFloat64(m.TickOutcomes.WithLabelValues("success"))
	require.Equal(t, before+2, after)
}

func TestObserveSwapLatencyNilSafe(t *testing.T) {
	var m *BumpdMetrics
	require.NotPanics(t, func() {
		m.ObserveSwapLatency(time.Second)
		m.RecordTick("skipped")
	})
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"candlegate/internal/breaker"
)

func breakerGaugeValue(t *testing.T, reg *prometheus.Registry, session string) (float64, bool) {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range fams {
		if fam.GetName() != "connector_circuit_breaker_state" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "session" && lp.GetValue() == session {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestBreakerGaugeKeepsOneSeriesPerSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Two sessions on the same pool must not overwrite each other.
	m.SetBreakerState("binance", "spot", "binance:spot:1", breaker.StateClosed)
	m.SetBreakerState("binance", "spot", "binance:spot:2", breaker.StateOpen)

	if v, ok := breakerGaugeValue(t, reg, "binance:spot:1"); !ok || v != float64(breaker.StateClosed) {
		t.Fatalf("session 1 series = (%v, %v), want (0, true)", v, ok)
	}
	if v, ok := breakerGaugeValue(t, reg, "binance:spot:2"); !ok || v != float64(breaker.StateOpen) {
		t.Fatalf("session 2 series = (%v, %v), want (1, true)", v, ok)
	}

	m.RemoveBreakerState("binance", "spot", "binance:spot:2")
	if _, ok := breakerGaugeValue(t, reg, "binance:spot:2"); ok {
		t.Fatal("closed session still exported")
	}
	if _, ok := breakerGaugeValue(t, reg, "binance:spot:1"); !ok {
		t.Fatal("surviving session's series was removed")
	}
}

package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetricsRegistersAndServes(t *testing.T) {
	m := NewMetrics("test", "go-test")
	m.SyncsTotal.WithLabelValues("dialer", "ok").Inc()
	m.AnchorAnnouncesTotal.Inc()
	m.KnownPeers.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`felund_syncs_total{outcome="ok",role="dialer"} 1`,
		"felund_anchor_announces_total 1",
		"felund_known_peers 3",
		`felund_info{go_version="go-test",version="test"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	// Registration on the global default registry would panic here.
	a := NewMetrics("a", "go")
	b := NewMetrics("b", "go")
	a.SyncsTotal.WithLabelValues("dialer", "ok").Inc()
	b.SyncsTotal.WithLabelValues("dialer", "ok").Add(2)
}

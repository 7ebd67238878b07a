package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.Tick("ok", 120*time.Millisecond)
	m.Dispatch("sent")
	m.Dispatch("transient")
	m.CommitConflict()
	m.GovernanceOp("add_admin", nil)
	m.GovernanceOp("remove_admin", errors.New("last owner"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`titanbot_ticks_total{result="ok"} 1`,
		`titanbot_dispatch_total{result="transient"} 1`,
		`titanbot_commit_conflicts_total 1`,
		`titanbot_governance_ops_total{op="remove_admin",result="error"} 1`,
		`titanbot_tick_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tick("ok", time.Second)
	m.Dispatch("sent")
	m.CommitConflict()
	m.GovernanceOp("x", nil)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

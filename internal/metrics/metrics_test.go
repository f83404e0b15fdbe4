package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	// Two collectors must register without colliding; independent sessions
	// each carry their own.
	a := NewCollector()
	b := NewCollector()
	assert.NotPanics(t, func() {
		a.DaemonStarted("info")
		b.DaemonStarted("debug")
	})
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.DaemonStarted("info")
		c.DaemonStopped("idle_expired")
		c.DaemonReused()
		c.WorkSubmitted("process")
		c.WorkCompleted("process", time.Millisecond)
		c.WorkFailed("work")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.DaemonStarted("info")
	c.DaemonReused()
	c.WorkSubmitted("inline")
	c.WorkCompleted("inline", 50*time.Millisecond)
	c.WorkFailed("start")
	c.DaemonStopped("session_end")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `journeyman_daemons_started_total{log_level="info"} 1`)
	assert.Contains(t, body, "journeyman_daemons_reused_total 1")
	assert.Contains(t, body, "journeyman_daemons_live 0")
	assert.Contains(t, body, `journeyman_work_submitted_total{isolation="inline"} 1`)
	assert.Contains(t, body, `journeyman_work_failed_total{kind="start"} 1`)
}

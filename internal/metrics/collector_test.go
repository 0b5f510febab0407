package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewCollector()

	c := r.Counter("x_total", "help", "")
	c.Inc()
	c.Add(2)
	assert.Equal(t, int64(3), r.Counter("x_total", "help", "").Value(), "same series is reused")

	g := r.Gauge("open", "help", `kind="ws"`)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
}

func TestHistogram(t *testing.T) {
	r := NewCollector()
	h := r.Histogram("lat", "latency", "", []float64{1, 0.1})

	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	assert.Equal(t, int64(3), h.Count())
	out := r.Render()
	assert.Contains(t, out, `lat_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `lat_bucket{le="1"} 2`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "lat_count 3")
}

func TestHandler(t *testing.T) {
	r := NewCollector()
	r.Counter("b_total", "b", "").Inc()
	r.Counter("a_total", "a", `chan="slack"`).Inc()

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, body, "# TYPE a_total counter")
	assert.Contains(t, body, `a_total{chan="slack"} 1`)
	assert.Less(t, strings.Index(body, "a_total"), strings.Index(body, "b_total"))
}

func TestBridgeMessages(t *testing.T) {
	before := BridgeMessages("telegram").Value()
	BridgeMessages("telegram").Inc()

	assert.Equal(t, before+1, BridgeMessages("telegram").Value())
	assert.Contains(t, Collector.Render(), `teamchat_bridge_messages_total{bridge="telegram"}`)
}

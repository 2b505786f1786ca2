package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "newsfeed")

	p.CacheHit(LayerList)
	p.CacheHit(LayerList)
	p.CacheMiss(LayerList)
	p.CacheError(LayerCounter)
	p.Job("newsfeed.fanout_batch", OutcomeSuccess, 10*time.Millisecond)
	p.Memberships(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.lookups.WithLabelValues(LayerList, "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.lookups.WithLabelValues(LayerList, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.lookups.WithLabelValues(LayerCounter, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("newsfeed.fanout_batch", OutcomeSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.memberships.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.memberships.WithLabelValues("existing")))
	assert.NotNil(t, p.Handler())
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop{}, OrNoop(nil))
	p := NewPrometheus(nil, "x")
	assert.Same(t, p, OrNoop(p))
}

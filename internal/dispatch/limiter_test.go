package dispatch_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
)

func TestLimiter_AdmissionDrop(t *testing.T) {
	lim := dispatch.NewLimiter("limiter-test", 1)

	before := testutil.ToFloat64(metrics.InflightLimitDrops.WithLabelValues("limiter-test"))

	require.True(t, lim.TryAcquire())
	assert.False(t, lim.TryAcquire(), "second acquire must fail fast")

	after := testutil.ToFloat64(metrics.InflightLimitDrops.WithLabelValues("limiter-test"))
	assert.Equal(t, before+1, after, "drop counter increments on saturation")

	lim.Release()
	assert.True(t, lim.TryAcquire(), "permit is reusable after release")
	lim.Release()
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("open"))
	assert.Equal(t, 2.0, BreakerStateValue("half-open"))
	assert.Equal(t, 0.0, BreakerStateValue("bogus"))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Decisions.WithLabelValues("BLOCK", "rate limit"))
	Decisions.WithLabelValues("BLOCK", "rate limit").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Decisions.WithLabelValues("BLOCK", "rate limit")))

	before = testutil.ToFloat64(PacketsDropped.WithLabelValues("malformed"))
	PacketsDropped.WithLabelValues("malformed").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(PacketsDropped.WithLabelValues("malformed")))
}

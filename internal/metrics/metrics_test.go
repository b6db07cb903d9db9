package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })

	OutboxTotal.WithLabelValues("published").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(OutboxTotal.WithLabelValues("published")), 1.0)
}

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationsTotal(t *testing.T) {
	MutationsTotal.Reset()

	MutationsTotal.WithLabelValues("star", Status(nil)).Inc()
	MutationsTotal.WithLabelValues("star", Status(errors.New("x"))).Inc()
	MutationsTotal.WithLabelValues("star", Status(nil)).Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(MutationsTotal.WithLabelValues("star", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MutationsTotal.WithLabelValues("star", "failure")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	FetchesTotal.Reset()
	FetchesTotal.WithLabelValues("ok").Inc()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mailsync_fetches_total{outcome="ok"} 1`)
}

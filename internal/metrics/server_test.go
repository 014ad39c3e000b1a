package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesCollectors(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	srv, err := Start("127.0.0.1:0", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	ObserveScore("Normal")
	ObserveNoModel()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `trafficguard_events_scored_total{tag="Normal"}`)
	assert.Contains(t, string(body), "trafficguard_score_no_model_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStartBadAddress(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	_, err = Start("not-an-address", reg, slog.Default())
	assert.Error(t, err)
}

package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestOriginProbe(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		require.Equal(t, "/health", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewOriginProbe(srv.URL + "/")
	require.NoError(t, p.Ready(context.Background(), uuid.New()))

	unhealthy.Store(true)
	require.Error(t, p.Ready(context.Background(), uuid.New()))
}

func TestOriginProbeUnreachable(t *testing.T) {
	p := NewOriginProbe("http://127.0.0.1:1")
	require.Error(t, p.Ready(context.Background(), uuid.New()))
	require.NoError(t, NoopProbe{}.Ready(context.Background(), uuid.New()))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/widgets/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/widgets/"+id, nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/widgets/{id}", "202")
	require.InDelta(t, 2, testutil.ToFloat64(counter), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	counter := httpRequestsTotal.WithLabelValues(http.MethodDelete, "unmatched", "404")
	require.InDelta(t, 1, testutil.ToFloat64(counter), 0)
}

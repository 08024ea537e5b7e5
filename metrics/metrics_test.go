package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tccorder/tcc"
)

func TestObserver(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.ParticipantCall("storage", "try", nil)
	m.ParticipantCall("storage", "try", tcc.E("try", "storage", "X", tcc.KindInsufficientResource, nil))
	m.ParticipantCall("order", "confirm", errors.New("boom"))
	m.TransactionFinished(tcc.Done)
	m.TransactionFinished(tcc.Done)
	m.TransactionFinished(tcc.Aborted)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("storage", "try", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("storage", "try", "InsufficientResource")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("order", "confirm", "Other")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Transactions.WithLabelValues("DONE")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("ABORTED")))
}

func TestWrap(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	h := m.Wrap("orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	}
	require.Equal(t, 3.0, testutil.ToFloat64(m.Requests.WithLabelValues("orders", "409")))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `tcc_test_http_requests_total{handler="orders",status="409"} 3`))
}

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/runtime"
	logpkg "github.com/mydriatech/fragtale/pkg/log"
)

func newTestServer(t *testing.T) *Server {
	cfg := config.Default()
	cfg.Backend.Implementation = "memory"
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return New(rt, logger)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPublishAndNextHandlers(t *testing.T) {
	s := newTestServer(t)

	body := `{"topic":"orders","document":{"order_id":"o-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/publish", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	claimBody := `{"topic":"orders","consumer_id":"c1","owner_identity":"owner-a"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/consumers/claim", bytes.NewBufferString(claimBody))
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/next?topic=orders&consumer_id=c1", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var msg messageResp
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msg))
	require.NotEmpty(t, msg.UniqueTimeHex)

	ackBody := `{"topic":"orders","consumer_id":"c1","unique_time_hex":"` + msg.UniqueTimeHex + `"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/ack", bytes.NewBufferString(ackBody))
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestQueryHandler(t *testing.T) {
	s := newTestServer(t)

	body := `{"topic":"orders","document":{"order_id":"o-2","amount":9}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/publish", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	req = httptest.NewRequest(http.MethodGet, `/v1/query?topic=orders&filter=json.order_id+==+"o-2"`, nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var results []queryResultResp
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.Len(t, results, 1)
}

package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarwanHany97/NetThrottle/pkg/capture"
	"github.com/MarwanHany97/NetThrottle/pkg/engine"
	"github.com/MarwanHany97/NetThrottle/pkg/netstat"
	"github.com/MarwanHany97/NetThrottle/pkg/policy"
)

type emptyTable struct{}

func (emptyTable) Table(netstat.Proto) ([]netstat.Entry, error) { return nil, nil }

type noNamer struct{}

func (noNamer) Name(uint32) (string, error) { return "proc", nil }

func newServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	pipe := capture.NewPipe(16)
	eng := engine.New(engine.Config{
		Open:         pipe.Opener(),
		Tables:       emptyTable{},
		Namer:        noNamer{},
		TickInterval: time.Hour,
	})
	return NewServer(":0", eng), eng
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["running"])
}

func TestRuleRoundTripOverHTTP(t *testing.T) {
	s, eng := newServer(t)

	rule := policy.Rule{LimitDownload: true, DownloadKbps: 250}
	payload, _ := json.Marshal(rule)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/rules/42", bytes.NewReader(payload)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, ok := eng.GetRule(42)
	require.True(t, ok)
	assert.Equal(t, rule, got)

	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rules/42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched policy.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, rule, fetched)
}

func TestGetRuleMissingIs404(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rules/7", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetRuleRejectsBadPID(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/rules/0", bytes.NewReader([]byte("{}"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGlobalRuleEndpoint(t *testing.T) {
	s, eng := newServer(t)

	rule := policy.Rule{LimitUpload: true, UploadKbps: 100, Adaptive: true}
	payload, _ := json.Marshal(rule)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/rules/global", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, rule, eng.GetGlobalRule())
}

func TestMetricsEndpointServes(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "governor_packets_processed_total")
}

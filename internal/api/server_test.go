package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/backup"
	"github.com/FairForge/drkeeper/internal/ha"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	events        []*model.FailoverEvent
	historyErr    error
	cycle         *backup.CycleReport
	readmitErr    error
	pipelineValue float64
	lastLimit     int
}

func (f *fakeOrchestrator) GetCurrentTopology() model.Topology {
	return model.Topology{
		Primary:  model.RegionEndpoint{ID: "us-east", Role: model.RolePrimary},
		Replicas: []model.RegionEndpoint{{ID: "eu-west", Role: model.RoleReplica, Priority: 1}},
	}
}

func (f *fakeOrchestrator) GetFailoverHistory(_ context.Context, limit int) ([]*model.FailoverEvent, error) {
	f.lastLimit = limit
	return f.events, f.historyErr
}

func (f *fakeOrchestrator) TriggerBackupCycle(context.Context) (*backup.CycleReport, error) {
	return f.cycle, nil
}

func (f *fakeOrchestrator) TriggerDisasterRecoveryTest(context.Context) *ha.TestReport {
	return &ha.TestReport{ID: "drill-1", Passed: true, Candidate: "eu-west"}
}

func (f *fakeOrchestrator) RecoverableArtifacts(context.Context) ([]*model.BackupArtifact, error) {
	return []*model.BackupArtifact{{ID: "a1", Tenant: "acme"}}, nil
}

func (f *fakeOrchestrator) ReadmitRegion(_ context.Context, id string) (model.RegionEndpoint, error) {
	if f.readmitErr != nil {
		return model.RegionEndpoint{}, f.readmitErr
	}
	return model.RegionEndpoint{ID: id, Role: model.RoleReplica}, nil
}

func (f *fakeOrchestrator) SetPipelineValue(v float64) { f.pipelineValue = v }

type fakeAlerts []alerting.Alert

func (f fakeAlerts) History(limit int) []alerting.Alert {
	if limit <= 0 || limit > len(f) {
		return f
	}
	return f[len(f)-limit:]
}

func newTestServer(orch *fakeOrchestrator, key string) http.Handler {
	alerts := fakeAlerts{
		{Type: alerting.TypeRegionFailed, Severity: alerting.SeverityCritical},
		{Type: alerting.TypeFailoverStarted, Severity: alerting.SeverityWarning},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("failovers_total 0\n"))
	})
	return NewServer(orch, alerts, Options{APIKey: key, Metrics: metrics, MutationBurst: 100}, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ReadRoutes(t *testing.T) {
	orch := &fakeOrchestrator{events: []*model.FailoverEvent{{ID: "e1", Success: true}}}
	h := newTestServer(orch, "")

	rec := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"primary":"us-east"`)

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "failovers_total")

	rec = do(t, h, http.MethodGet, "/v1/topology", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var topology model.Topology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topology))
	assert.Equal(t, "us-east", topology.Primary.ID)
	assert.Len(t, topology.Replicas, 1)

	rec = do(t, h, http.MethodGet, "/v1/failovers?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, orch.lastLimit)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, h, http.MethodGet, "/v1/alerts?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), alerting.TypeFailoverStarted)
	assert.NotContains(t, rec.Body.String(), alerting.TypeRegionFailed)

	rec = do(t, h, http.MethodGet, "/v1/artifacts/recoverable", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"a1"`)
}

func TestServer_InvalidLimit(t *testing.T) {
	h := newTestServer(&fakeOrchestrator{}, "")
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/failovers?limit=abc", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/alerts?limit=-1", "", "").Code)
}

func TestServer_HistoryErrorIs500(t *testing.T) {
	h := newTestServer(&fakeOrchestrator{historyErr: errors.New("db down")}, "")
	rec := do(t, h, http.MethodGet, "/v1/failovers", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestServer_MutationsRequireKey(t *testing.T) {
	orch := &fakeOrchestrator{cycle: &backup.CycleReport{}}
	h := newTestServer(orch, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/backups", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/backups", "", "s3cret").Code)
	// reads stay open
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/topology", "", "").Code)
}

func TestServer_TriggerBackupPartialFailure(t *testing.T) {
	orch := &fakeOrchestrator{cycle: &backup.CycleReport{Failures: []string{"acme/orders: connection refused"}}}
	rec := do(t, newTestServer(orch, ""), http.MethodPost, "/v1/backups", "", "")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
}

func TestServer_TriggerDrill(t *testing.T) {
	rec := do(t, newTestServer(&fakeOrchestrator{}, ""), http.MethodPost, "/v1/dr-tests", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report ha.TestReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Passed)
	assert.Equal(t, "eu-west", report.Candidate)
}

func TestServer_Readmit(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown", fmt.Errorf("%w: nowhere", ha.ErrUnknownRegion), http.StatusNotFound},
		{"not quarantined", ha.ErrNotQuarantined, http.StatusConflict},
		{"unhealthy", ha.ErrRegionUnhealthy, http.StatusConflict},
		{"failover running", model.ErrConcurrentFailover, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&fakeOrchestrator{readmitErr: tc.err}, "")
			rec := do(t, h, http.MethodPost, "/v1/regions/us-east/readmit", "", "")
			assert.Equal(t, tc.want, rec.Code)
			if tc.err == nil {
				assert.Contains(t, rec.Body.String(), `"role":"replica"`)
			}
		})
	}
}

func TestServer_PipelineValue(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestServer(orch, "")

	rec := do(t, h, http.MethodPut, "/v1/pipeline-value", `{"value": 125000.5}`, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 125000.5, orch.pipelineValue)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/v1/pipeline-value", `{"value": -1}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/v1/pipeline-value", `{}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/v1/pipeline-value", `not json`, "").Code)
}

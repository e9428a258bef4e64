package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/breaker"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/registry"
	"github.com/flowforge/conductor/supervisor"
	"github.com/flowforge/conductor/template"
)

func newTestServer(t *testing.T, capSrv *httptest.Server) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{ExpirySweepPeriod: time.Hour})
	t.Cleanup(reg.Close)

	id, err := reg.Register(registry.Description{Name: "s", Endpoint: capSrv.URL, Capabilities: []string{"content"}})
	require.NoError(t, err)
	healthy := registry.Healthy
	require.NoError(t, reg.Update(id, registry.Patch{Status: &healthy}))

	bank := breaker.NewBank(breaker.DefaultConfig())
	d := dispatch.New(reg, bank, dispatch.Config{MaxRetries: 1, RetryBaseDelay: time.Millisecond})

	tmpl := template.WorkflowTemplate{
		Name:           "single",
		RequiredParams: []string{"topic"},
		Steps: []template.StepTemplate{
			{StepName: "a", Capability: "content", Endpoint: "/x",
				ParameterTemplate: map[string]interface{}{"topic": "{{params.topic}}"}},
		},
	}
	cat, err := template.NewCatalog([]template.WorkflowTemplate{tmpl})
	require.NoError(t, err)

	sup := supervisor.New(cat, d, supervisor.Config{})
	return NewServer(sup, reg, Config{}), reg
}

func TestSubmitAndGetWorkflow(t *testing.T) {
	capSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(capSrv.Close)

	s, _ := newTestServer(t, capSrv)

	body, _ := json.Marshal(submitRequest{WorkflowType: "single", Parameters: map[string]interface{}{"topic": "go"}})
	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var submitted workflowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.WorkflowID)

	getReq := httptest.NewRequest(http.MethodGet, "/workflows/"+submitted.WorkflowID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestSubmitUnknownTemplateReturns400(t *testing.T) {
	capSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(capSrv.Close)

	s, _ := newTestServer(t, capSrv)

	body, _ := json.Marshal(submitRequest{WorkflowType: "nonexistent"})
	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownWorkflowReturns404(t *testing.T) {
	capSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(capSrv.Close)

	s, _ := newTestServer(t, capSrv)

	req := httptest.NewRequest(http.MethodGet, "/workflows/nonexistent", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	capSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(capSrv.Close)

	s, _ := newTestServer(t, capSrv)

	body, _ := json.Marshal(registerRequest{Name: "worker-2", Endpoint: "http://localhost:9000", Capabilities: []string{"image"}})
	req := httptest.NewRequest(http.MethodPost, "/registry/servers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	serverID := resp["server_id"]
	require.NotEmpty(t, serverID)

	hbReq := httptest.NewRequest(http.MethodPost, "/registry/servers/"+serverID+"/heartbeat", bytes.NewReader([]byte(`{}`)))
	hbRec := httptest.NewRecorder()
	s.ServeHTTP(hbRec, hbReq)
	assert.Equal(t, http.StatusOK, hbRec.Code)
}

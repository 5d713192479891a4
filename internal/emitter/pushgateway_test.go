package emitter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/amicull/internal/executor"
)

type pushRequest struct {
	method string
	path   string
	body   string
}

func newPushgateway(t *testing.T, status int) (*httptest.Server, *[]pushRequest) {
	t.Helper()
	var requests []pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, pushRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestNewPushgatewayEmitter_Validation(t *testing.T) {
	_, err := NewPushgatewayEmitter("", "amicull")
	assert.Error(t, err)

	_, err = NewPushgatewayEmitter("http://localhost:9091", "")
	assert.Error(t, err)
}

func TestPushgatewayEmitter_Emit(t *testing.T) {
	srv, requests := newPushgateway(t, http.StatusOK)

	e, err := NewPushgatewayEmitter(srv.URL, "amicull")
	require.NoError(t, err)

	err = e.Emit(context.Background(), Summary{
		RunID:        "run-1",
		Region:       "us-east-1",
		Action:       executor.ActionDelete,
		Images:       2,
		Snapshots:    3,
		Deregistered: 2,
		Deleted:      3,
		Duration:     time.Second,
		CompletedAt:  time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/metrics/job/amicull/region/us-east-1", req.path)
	assert.Contains(t, req.body, "amicull_last_run_selected")
	assert.Contains(t, req.body, "amicull_last_run_success")

	require.NoError(t, e.Close())
}

func TestPushgatewayEmitter_GroupingLabelNotOnMetrics(t *testing.T) {
	srv, requests := newPushgateway(t, http.StatusOK)

	e, err := NewPushgatewayEmitter(srv.URL, "amicull")
	require.NoError(t, err)

	require.NoError(t, e.Emit(context.Background(), Summary{
		Region:      "eu-west-1",
		Action:      executor.ActionList,
		CompletedAt: time.Now(),
	}))
	require.Len(t, *requests, 1)

	families, err := e.registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				assert.NotEqual(t, "region", lp.GetName(), mf.GetName())
			}
		}
	}
}

func TestPushgatewayEmitter_Emit_Twice(t *testing.T) {
	srv, requests := newPushgateway(t, http.StatusOK)

	e, err := NewPushgatewayEmitter(srv.URL, "amicull")
	require.NoError(t, err)

	s := Summary{Region: "us-east-1", Action: executor.ActionList, CompletedAt: time.Now()}
	require.NoError(t, e.Emit(context.Background(), s))
	require.NoError(t, e.Emit(context.Background(), s))

	assert.Len(t, *requests, 2)
}

func TestPushgatewayEmitter_Emit_ServerError(t *testing.T) {
	srv, _ := newPushgateway(t, http.StatusInternalServerError)

	e, err := NewPushgatewayEmitter(srv.URL, "amicull")
	require.NoError(t, err)

	err = e.Emit(context.Background(), Summary{
		Region:      "us-east-1",
		Action:      executor.ActionList,
		CompletedAt: time.Now(),
		Err:         errors.New("run failed"),
	})
	assert.Error(t, err)
}

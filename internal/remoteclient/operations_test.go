package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOperations_BuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "SUCCESS", r.URL.Query().Get("status"))
		assert.Equal(t, "instance", r.URL.Query().Get("kind"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"operations":[{"uuid":"op-a","status":"SUCCESS"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ops, err := c.ListOperations(context.Background(), 5, 0, StatusSuccess, KindInstance, "", "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-a", ops[0].UUID)
}

func TestGetOperation_UsesCacheOnSecondCall(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uuid":"op-a","status":"SUCCESS"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.GetOperation(context.Background(), "op-a")
	require.NoError(t, err)

	_, err = c.GetOperation(context.Background(), "op-a")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelOperation_AlreadyTerminalSkipsDelete(t *testing.T) {
	var deleteCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleteCalls.Add(1)
			w.WriteHeader(http.StatusOK)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uuid":"op-a","status":"FAILED"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	status, err := c.CancelOperation(context.Background(), "op-a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, int32(0), deleteCalls.Load())
}

func TestCancelOperation_IssuesDeleteWhenIncomplete(t *testing.T) {
	var getCalls, deleteCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleteCalls.Add(1)
			w.WriteHeader(http.StatusOK)

			return
		}

		getCalls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uuid":"op-b","status":"EXECUTING"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	status, err := c.CancelOperation(context.Background(), "op-b")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)
	assert.Equal(t, int32(1), deleteCalls.Load())
	assert.Equal(t, int32(1), getCalls.Load())
}

func TestClose_CancelsTrackedOperations(t *testing.T) {
	var deleteCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleteCalls.Add(1)
			w.WriteHeader(http.StatusOK)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uuid":"op-c","status":"EXECUTING"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.pollInterval = 0

	c.trackOperation("op-c", trackingInstance, operationMetadata{})

	require.NoError(t, c.Close(context.Background()))
	assert.False(t, c.IsTracked("op-c"))
	assert.GreaterOrEqual(t, deleteCalls.Load(), int32(1))
}

package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
)

func TestWatchUntilComplete_FallsBackWhenChannelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := c.watchUntilComplete(ctx, "op-1")
	assert.False(t, ok)
}

func TestWatchUntilComplete_ReturnsTerminalStatusFromChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operations/op-2/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()

		_ = wsjson.Write(ctx, conn, OperationResponse{UUID: "op-2", Status: StatusExecuting})
		_ = wsjson.Write(ctx, conn, OperationResponse{UUID: "op-2", Status: StatusSuccess})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, ok := c.watchUntilComplete(ctx, "op-2")
	assert.True(t, ok)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestWatchUntilComplete_FallsBackWhenSocketDropsEarly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operations/op-3/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		_ = wsjson.Write(r.Context(), conn, OperationResponse{UUID: "op-3", Status: StatusExecuting})
		conn.Close(websocket.StatusInternalError, "upstream dropped")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, ok := c.watchUntilComplete(ctx, "op-3")
	assert.False(t, ok)
}

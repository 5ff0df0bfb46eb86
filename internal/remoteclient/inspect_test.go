package remoteclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDirectory_CachesResult(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/root", r.URL.Query().Get("path"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"name":"a.txt","is_dir":false,"size":3}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	first, err := c.ListDirectory(context.Background(), "img-1", "/root")
	require.NoError(t, err)

	second, err := c.ListDirectory(context.Background(), "img-1", "root")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second call with equivalent normalized path should hit cache")
	assert.Equal(t, first, second)
}

func TestReadFile_Base64RoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/etc/hosts", r.URL.Query().Get("path"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("127.0.0.1 localhost\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	content, err := c.ReadFile(context.Background(), "img-1", "etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 localhost\n", string(content))
}

func TestStreamFile_ReturnsLiveBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("streamed content"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	rc, err := c.StreamFile(context.Background(), "img-1", "/big.bin")
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "streamed content", string(body))
}

func TestFileExists_TrueAndFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") == "/present" {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	exists, err := c.FileExists(context.Background(), "img-1", "/present")
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := c.FileExists(context.Background(), "img-1", "/absent")
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestListDirectoryText_SeparateCacheFromStructured(t *testing.T) {
	var textCalls, structuredCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "" && r.URL.Query().Has("text") {
			textCalls.Add(1)
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprint(w, "total 0\ndrwxr-xr-x root\n")

			return
		}

		structuredCalls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	text, err := c.ListDirectoryText(context.Background(), "img-1", "/root")
	require.NoError(t, err)
	assert.Contains(t, text, "drwxr-xr-x")

	_, err = c.ListDirectory(context.Background(), "img-1", "/root")
	require.NoError(t, err)

	assert.Equal(t, int32(1), textCalls.Load())
	assert.Equal(t, int32(1), structuredCalls.Load())
}

package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImages_BuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "1", r.URL.Query().Get("tagged"))
		assert.Equal(t, "app", r.URL.Query().Get("tag"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"images":[{"uuid":"img-1"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	tagged := true

	images, err := c.ListImages(context.Background(), 10, 0, &tagged, "app:", "", "")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "img-1", images[0].UUID)
}

func TestImportImage_TracksOperationFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/images/import":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"uuid":"import-op"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/operations/import-op":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"uuid":"import-op","kind":"image_import","status":"SUCCESS","result":{"image":"img-9","tag":"app:latest"}}`))
		case strings.HasSuffix(r.URL.Path, "/watch"):
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	opID, err := c.ImportImage(context.Background(), ImportImageRequest{
		RegistryURL: "docker.io/library/alpine",
		Tag:         "app:latest",
	})
	require.NoError(t, err)
	assert.Equal(t, "import-op", opID)

	result, err := c.WaitForOperation(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, "img-9", result.Result.Image)
}

func TestImportImage_FallsBackToLocationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/images/import":
			w.Header().Set("Location", "/v1/operations/loc-op")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/operations/loc-op":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"uuid":"loc-op","kind":"image_import","status":"SUCCESS"}`))
		case strings.HasSuffix(r.URL.Path, "/watch"):
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	opID, err := c.ImportImage(context.Background(), ImportImageRequest{RegistryURL: "docker.io/library/alpine"})
	require.NoError(t, err)
	assert.Equal(t, "loc-op", opID)
}

func TestResolveImage_Tag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app:latest", r.URL.Query().Get("tag"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uuid":"resolved-uuid"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	uuid, err := c.ResolveImage(context.Background(), "tag:app:latest")
	require.NoError(t, err)
	assert.Equal(t, "resolved-uuid", uuid)
}

func TestResolveImage_PassthroughUUID(t *testing.T) {
	c := newTestClient(t, "http://unused")

	const id = "4b1cd4e0-5e0a-4c9a-9e9a-000000000000"

	uuid, err := c.ResolveImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, uuid)
}

func TestResolveImage_RejectsGarbage(t *testing.T) {
	c := newTestClient(t, "http://unused")

	_, err := c.ResolveImage(context.Background(), "not-a-uuid-or-tag")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

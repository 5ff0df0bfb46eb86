package remoteclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/contree/broker/internal/hashcodec"
)

// ListDirectory lists the contents of path inside image_uuid, caching the
// result without a TTL — image content is immutable once produced.
func (c *Client) ListDirectory(ctx context.Context, imageUUID, path string) (DirectoryListing, error) {
	path = normalizeInspectPath(path)
	cacheKey := imageUUID + ":" + path

	var cached DirectoryListing

	if hit, err := c.getCache(ctx, "list_dir", cacheKey, &cached); err != nil {
		return DirectoryListing{}, err
	} else if hit {
		return cached, nil
	}

	var out DirectoryListing

	if _, err := c.requestJSON(ctx, "GET", fmt.Sprintf("/inspect/%s/list", imageUUID), url.Values{"path": {path}}, nil, &out); err != nil {
		return DirectoryListing{}, err
	}

	if err := c.putCache("list_dir", cacheKey, out); err != nil {
		return DirectoryListing{}, err
	}

	return out, nil
}

// ListDirectoryText lists path inside image_uuid in the remote's ls-like
// text rendering, caching the rendered
// text the same way as ListDirectory.
func (c *Client) ListDirectoryText(ctx context.Context, imageUUID, path string) (string, error) {
	path = normalizeInspectPath(path)
	cacheKey := imageUUID + ":" + path + ":text"

	var cached struct {
		Text string `json:"text"`
	}

	if hit, err := c.getCache(ctx, "list_dir_text", cacheKey, &cached); err != nil {
		return "", err
	} else if hit {
		return cached.Text, nil
	}

	body, err := c.requestText(ctx, "GET", fmt.Sprintf("/inspect/%s/list", imageUUID), url.Values{
		"path": {path},
		"text": {""},
	})
	if err != nil {
		return "", err
	}

	text := string(body)

	if err := c.putCache("list_dir_text", cacheKey, map[string]string{"text": text}); err != nil {
		return "", err
	}

	return text, nil
}

// ReadFile reads a whole file out of image_uuid, caching the base64-coded
// content without a TTL. Large files should use
// StreamFile instead.
func (c *Client) ReadFile(ctx context.Context, imageUUID, path string) ([]byte, error) {
	cacheKey := imageUUID + ":" + path

	var cached struct {
		Content string `json:"content"`
	}

	if hit, err := c.getCache(ctx, "read_file", cacheKey, &cached); err != nil {
		return nil, err
	} else if hit {
		return hashcodec.DecodeBase64(cached.Content)
	}

	body, err := c.requestText(ctx, "GET", fmt.Sprintf("/inspect/%s/download", imageUUID), url.Values{
		"path": {"/" + strings.TrimLeft(path, "/")},
	})
	if err != nil {
		return nil, err
	}

	encoded := hashcodec.EncodeBase64(body)

	if err := c.putCache("read_file", cacheKey, map[string]string{"content": encoded}); err != nil {
		return nil, err
	}

	return body, nil
}

// StreamFile opens a streaming read of path inside image_uuid, returning
// an io.ReadCloser the caller must close. Never cached — intended for large files.
func (c *Client) StreamFile(ctx context.Context, imageUUID, path string) (io.ReadCloser, error) {
	resp, err := c.streamResponse(ctx, "GET", fmt.Sprintf("/inspect/%s/download", imageUUID), url.Values{
		"path": {"/" + strings.TrimLeft(path, "/")},
	})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// FileExists reports whether path exists inside image_uuid, caching the
// answer without a TTL.
func (c *Client) FileExists(ctx context.Context, imageUUID, path string) (bool, error) {
	cacheKey := imageUUID + ":" + path

	var cached struct {
		Exists bool `json:"exists"`
	}

	if hit, err := c.getCache(ctx, "file_exists", cacheKey, &cached); err != nil {
		return false, err
	} else if hit {
		return cached.Exists, nil
	}

	status, err := c.headRequest(ctx, fmt.Sprintf("/inspect/%s/download", imageUUID), url.Values{"path": {path}})
	exists := err == nil && status == 200

	if err := c.putCache("file_exists", cacheKey, map[string]bool{"exists": exists}); err != nil {
		return false, err
	}

	return exists, nil
}

func normalizeInspectPath(path string) string {
	return "/" + strings.TrimLeft(path, "/")
}

// ensure DirectoryListing round-trips through the cache's JSON column: its
// MarshalJSON/UnmarshalJSON pair (types.go) makes this safe even though the
// cache store normally marshals values with encoding/json directly.
var _ json.Marshaler = DirectoryListing{}

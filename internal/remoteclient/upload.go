package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/contree/broker/internal/hashcodec"
)

// UploadFile hashes content, checks the content-addressed cache/server for
// an existing blob with the same hash, and only uploads if nothing
// matched. It satisfies internal/filecache.Uploader.
func (c *Client) UploadFile(ctx context.Context, r io.Reader) (string, string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", "", fmt.Errorf("remoteclient: reading upload content: %w", err)
	}

	sha256Hex := hashcodec.SumBytes(content)

	if existing, err := c.GetFileByHash(ctx, sha256Hex); err != nil {
		return "", "", err
	} else if existing != nil {
		c.logger.Debug("file already exists, skipping upload", "uuid", existing.UUID, "sha256", sha256Hex)
		return existing.UUID, existing.SHA256, nil
	}

	resp, err := c.send(ctx, "POST", "/files", nil, "application/octet-stream", bytes.NewReader(content))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, c.payloadLimit)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	var out FileResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("%w: decoding upload response: %w", ErrProtocol, err)
	}

	if err := c.putCache("file_by_hash", sha256Hex, out); err != nil {
		return "", "", err
	}

	c.logger.Debug("uploaded file", "uuid", out.UUID, "sha256", sha256Hex)

	return out.UUID, out.SHA256, nil
}

// CheckFileExists reports whether an uploaded file uuid still exists on
// the remote. This by-uuid variant is
// exposed for the diagnostic CLI; internal/filecache.Uploader is satisfied
// via CheckFileExistsByHash.
func (c *Client) CheckFileExists(ctx context.Context, fileUUID string) (bool, error) {
	var cached struct {
		Exists bool `json:"exists"`
	}

	if hit, err := c.getCache(ctx, "file_exists_by_uuid", fileUUID, &cached); err != nil {
		return false, err
	} else if hit {
		return cached.Exists, nil
	}

	status, err := c.headRequest(ctx, "/files", url.Values{"uuid": {fileUUID}})
	exists := err == nil && status == 200

	if err := c.putCache("file_exists_by_uuid", fileUUID, map[string]bool{"exists": exists}); err != nil {
		return false, err
	}

	return exists, nil
}

// CheckFileExistsByHash reports whether a blob with the given sha256 still
// exists on the remote. Satisfies
// internal/filecache.Uploader.
func (c *Client) CheckFileExistsByHash(ctx context.Context, sha256Hex string) (bool, error) {
	var cached struct {
		Exists bool `json:"exists"`
	}

	if hit, err := c.getCache(ctx, "file_exists_by_hash", sha256Hex, &cached); err != nil {
		return false, err
	} else if hit {
		return cached.Exists, nil
	}

	status, err := c.headRequest(ctx, "/files", url.Values{"sha256": {sha256Hex}})
	exists := err == nil && status == 200

	if err := c.putCache("file_exists_by_hash", sha256Hex, map[string]bool{"exists": exists}); err != nil {
		return false, err
	}

	return exists, nil
}

// GetFileByHash looks up an uploaded file by sha256, caching a "not_found"
// marker on 404 so a subsequent lookup is free. Returns (nil, nil) when no such file exists.
func (c *Client) GetFileByHash(ctx context.Context, sha256Hex string) (*FileResponse, error) {
	var cached struct {
		NotFound bool `json:"not_found"`
		FileResponse
	}

	if hit, err := c.getCache(ctx, "file_by_hash", sha256Hex, &cached); err != nil {
		return nil, err
	} else if hit {
		if cached.NotFound {
			return nil, nil
		}

		resp := cached.FileResponse

		return &resp, nil
	}

	var out FileResponse

	_, err := c.requestJSON(ctx, "GET", "/files", url.Values{"sha256": {sha256Hex}}, nil, &out)
	if err != nil {
		if IsNotFound(err) {
			if putErr := c.putCache("file_by_hash", sha256Hex, map[string]bool{"not_found": true}); putErr != nil {
				return nil, putErr
			}

			return nil, nil
		}

		return nil, err
	}

	if err := c.putCache("file_by_hash", sha256Hex, out); err != nil {
		return nil, err
	}

	return &out, nil
}

// InvalidateUpload removes the cached upload-coalescing entries for a blob
// so a subsequent GetFileByHash does not return a stale "it exists"
// answer. Satisfies internal/filecache.Uploader.
func (c *Client) InvalidateUpload(ctx context.Context, sha256Hex, fileUUID string) error {
	if _, err := c.cache.Delete(ctx, "file_by_hash", sha256Hex); err != nil {
		return fmt.Errorf("remoteclient: invalidating file_by_hash cache: %w", err)
	}

	if fileUUID != "" {
		if _, err := c.cache.Delete(ctx, "file_exists_by_uuid", fileUUID); err != nil {
			return fmt.Errorf("remoteclient: invalidating file_exists_by_uuid cache: %w", err)
		}
	}

	return nil
}

func (c *Client) putCache(kind, key string, data any) error {
	if _, err := c.cache.Put(context.Background(), kind, key, data, nil); err != nil {
		return fmt.Errorf("remoteclient: writing %s cache: %w", kind, err)
	}

	return nil
}

func (c *Client) getCache(ctx context.Context, kind, key string, out any) (bool, error) {
	entry, err := c.cache.Get(ctx, kind, key, 0)
	if err != nil {
		return false, fmt.Errorf("remoteclient: reading %s cache: %w", kind, err)
	}

	if entry == nil {
		return false, nil
	}

	if err := entry.DataAs(out); err != nil {
		return false, fmt.Errorf("remoteclient: decoding %s cache entry: %w", kind, err)
	}

	return true, nil
}

package remoteclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ListImages returns a page of the remote image catalog. tagPrefix has its trailing separators
// stripped, matching the backend's strict tag-format validation.
func (c *Client) ListImages(ctx context.Context, limit, offset int, tagged *bool, tagPrefix, since, until string) ([]Image, error) {
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}

	if tagged != nil {
		if *tagged {
			q.Set("tagged", "1")
		} else {
			q.Set("tagged", "0")
		}
	}

	if tagPrefix != "" {
		q.Set("tag", strings.TrimRight(tagPrefix, ":/."))
	}

	if since != "" {
		q.Set("since", since)
	}

	if until != "" {
		q.Set("until", until)
	}

	var out imagesResponse

	if _, err := c.requestJSON(ctx, "GET", "/images", q, nil, &out); err != nil {
		return nil, err
	}

	return out.Images, nil
}

// ImportImageRequest is the input to ImportImage.
type ImportImageRequest struct {
	RegistryURL string
	Tag         string
	Username    string
	Password    string
	Timeout     int
}

type importImageBody struct {
	Registry registryBody `json:"registry"`
	Tag      string       `json:"tag,omitempty"`
	Timeout  int          `json:"timeout"`
}

type registryBody struct {
	URL         string            `json:"url"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// ImportImage submits an image import job and begins tracking its
// operation for completion polling, returning the operation id
// immediately.
func (c *Client) ImportImage(ctx context.Context, req ImportImageRequest) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = 300
	}

	body := importImageBody{
		Registry: registryBody{URL: req.RegistryURL},
		Tag:      req.Tag,
		Timeout:  req.Timeout,
	}

	if req.Username != "" && req.Password != "" {
		body.Registry.Credentials = map[string]string{
			"username": req.Username,
			"password": req.Password,
		}
	}

	operationID, err := c.submitOperation(ctx, "/images/import", body)
	if err != nil {
		return "", err
	}

	if operationID == "" {
		return "", fmt.Errorf("%w: no operation id returned from image import", ErrProtocol)
	}

	c.trackOperation(operationID, trackingImageImport, operationMetadata{RegistryURL: req.RegistryURL})

	c.logger.Info("importing image", "registry_url", req.RegistryURL, "operation_id", operationID)

	return operationID, nil
}

// TagImage assigns tag to an existing image.
func (c *Client) TagImage(ctx context.Context, imageUUID, tag string) (Image, error) {
	var out Image

	if _, err := c.requestJSON(ctx, "PATCH", "/images/"+imageUUID+"/tag", nil, map[string]string{"tag": tag}, &out); err != nil {
		return Image{}, err
	}

	return out, nil
}

// UntagImage removes the tag from an image.
func (c *Client) UntagImage(ctx context.Context, imageUUID string) (Image, error) {
	var out Image

	if _, err := c.requestJSON(ctx, "DELETE", "/images/"+imageUUID+"/tag", nil, nil, &out); err != nil {
		return Image{}, err
	}

	return out, nil
}

// GetImageByTag resolves a tag to its image row.
func (c *Client) GetImageByTag(ctx context.Context, tag string) (Image, error) {
	var out Image

	if _, err := c.requestJSON(ctx, "GET", "/inspect/", url.Values{"tag": {tag}}, nil, &out); err != nil {
		return Image{}, err
	}

	return out, nil
}

// GetImage fetches an image row by uuid.
func (c *Client) GetImage(ctx context.Context, imageUUID string) (Image, error) {
	var out Image

	if _, err := c.requestJSON(ctx, "GET", "/inspect/"+imageUUID+"/", nil, nil, &out); err != nil {
		return Image{}, err
	}

	return out, nil
}

// ResolveImage turns a user-supplied image reference into a concrete image
// uuid: a "tag:name" reference is resolved
// via GetImageByTag, otherwise the reference must already be a UUID.
func (c *Client) ResolveImage(ctx context.Context, image string) (string, error) {
	decoded, err := url.QueryUnescape(image)
	if err != nil {
		decoded = image
	}

	if strings.HasPrefix(decoded, "tag:") {
		img, err := c.GetImageByTag(ctx, strings.TrimPrefix(decoded, "tag:"))
		if err != nil {
			return "", err
		}

		return img.UUID, nil
	}

	if !isUUID(decoded) {
		return "", fmt.Errorf("%w: invalid image reference %q: use a uuid or 'tag:name'", ErrInvalidArgument, decoded)
	}

	return decoded, nil
}

func locationTail(location string) string {
	if location == "" {
		return ""
	}

	parts := strings.Split(strings.TrimRight(location, "/"), "/")

	return parts[len(parts)-1]
}

// Package lineage records the parent/child edge between image snapshots
// after an asynchronous operation completes. It is a thin
// post-processing step over the General Cache, not a component with its
// own persistence.
package lineage

import (
	"context"
	"fmt"

	"github.com/contree/broker/internal/cache"
)

// TrackingKind distinguishes the two operation families the Remote Client
// tracks.
type TrackingKind string

const (
	KindInstance    TrackingKind = "instance"
	KindImageImport TrackingKind = "image_import"
)

// Metadata is the submission-time information the poller captured and
// hands back on completion.
type Metadata struct {
	InputImage  string // instance only
	Command     string // instance only
	RegistryURL string // image_import only
}

// Result is the terminal outcome of the operation, translated from the
// Remote Client's own OperationResponse/OperationResult types so this
// package stays free of any dependency on internal/remoteclient.
type Result struct {
	Success bool
	Image   string
	Tag     string
}

// lineageData is the shape stored as a CacheEntry's data column under
// kind=image.
type lineageData struct {
	ParentImage string `json:"parent_image,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Command     string `json:"command,omitempty"`
	RegistryURL string `json:"registry_url,omitempty"`
	Tag         string `json:"tag,omitempty"`
	IsImport    bool   `json:"is_import,omitempty"`
}

// RecordCompletion records an image lineage edge: on a successful
// instance run whose output image differs from its input, upsert a lineage
// row pointing at the parent's row id; on a successful import, upsert a
// root lineage row; a no-op run (output == input) writes nothing.
func RecordCompletion(ctx context.Context, store *cache.Store, operationID string, kind TrackingKind, meta Metadata, result Result) error {
	if !result.Success {
		return nil
	}

	switch kind {
	case KindInstance:
		return recordInstance(ctx, store, operationID, meta, result)
	case KindImageImport:
		return recordImport(ctx, store, operationID, meta, result)
	default:
		return nil
	}
}

func recordInstance(ctx context.Context, store *cache.Store, operationID string, meta Metadata, result Result) error {
	if meta.InputImage == "" || result.Image == "" || meta.InputImage == result.Image {
		return nil
	}

	var parentID *int64

	parentEntry, err := store.Get(ctx, "image", meta.InputImage, 0)
	if err != nil {
		return fmt.Errorf("lineage: looking up parent image %s: %w", meta.InputImage, err)
	}

	if parentEntry != nil {
		parentID = &parentEntry.ID
	}

	data := lineageData{
		ParentImage: meta.InputImage,
		OperationID: operationID,
		Command:     meta.Command,
	}

	if _, err := store.Put(ctx, "image", result.Image, data, parentID); err != nil {
		return fmt.Errorf("lineage: recording instance edge %s->%s: %w", meta.InputImage, result.Image, err)
	}

	return nil
}

func recordImport(ctx context.Context, store *cache.Store, operationID string, meta Metadata, result Result) error {
	if result.Image == "" {
		return nil
	}

	data := lineageData{
		OperationID: operationID,
		RegistryURL: meta.RegistryURL,
		Tag:         result.Tag,
		IsImport:    true,
	}

	if _, err := store.Put(ctx, "image", result.Image, data, nil); err != nil {
		return fmt.Errorf("lineage: recording import root %s: %w", result.Image, err)
	}

	return nil
}

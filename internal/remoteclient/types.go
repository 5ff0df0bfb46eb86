package remoteclient

import "encoding/json"

// Image is one row of the remote image catalog.
type Image struct {
	UUID      string `json:"uuid"`
	Tag       string `json:"tag,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type imagesResponse struct {
	Images []Image `json:"images"`
}

// FileResponse is the result of an upload or an upload-by-hash lookup.
type FileResponse struct {
	UUID   string `json:"uuid"`
	SHA256 string `json:"sha256"`
}

// OperationStatus is one of the exact, case-significant status strings
// the remote service reports for an operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusExecuting OperationStatus = "EXECUTING"
	StatusSuccess   OperationStatus = "SUCCESS"
	StatusFailed    OperationStatus = "FAILED"
	StatusCancelled OperationStatus = "CANCELLED"
)

// IsTerminal reports whether status is one from which no further status
// change is possible.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// OperationKind distinguishes the two families of asynchronous job.
type OperationKind string

const (
	KindInstance    OperationKind = "instance"
	KindImageImport OperationKind = "image_import"
)

// OperationResult carries the terminal payload of a completed operation:
// the produced image (and its tag, for imports).
type OperationResult struct {
	Image string `json:"image,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// OperationResponse is the body of GET /operations/{id}.
type OperationResponse struct {
	UUID   string           `json:"uuid"`
	Status OperationStatus  `json:"status"`
	Kind   OperationKind    `json:"kind"`
	Result *OperationResult `json:"result,omitempty"`
}

type submissionResponse struct {
	UUID string `json:"uuid"`
}

// errorBody is the JSON shape of a 4xx response, if present.
type errorBody struct {
	Error string `json:"error"`
}

// DirectoryListing is the opaque body of a directory listing response.
// The remote's exact listing schema is outside this core's scope; callers consume it as raw JSON and the File Cache / tool surface
// decide how to render it.
type DirectoryListing struct {
	Raw json.RawMessage
}

func (d DirectoryListing) MarshalJSON() ([]byte, error) {
	return d.Raw, nil
}

func (d *DirectoryListing) UnmarshalJSON(data []byte) error {
	d.Raw = append([]byte(nil), data...)
	return nil
}

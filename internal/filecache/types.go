package filecache

import (
	"context"
	"io"
)

// FileState is one row of the files table. Its identity for
// reconciliation purposes is (Path, Size, MtimeNs, Ino, Mode) only — SHA256
// and UUID are outputs of the upload, not identity. Never compare FileState with == and never use
// it directly as a map key; use identityEqual and key collections by Path.
type FileState struct {
	Path    string // absolute
	Size    int64
	MtimeNs int64
	Ino     uint64
	Mode    uint32
	SHA256  string // excluded from identity
	UUID    string // excluded from identity
}

// identityEqual compares the filesystem-observable identity of two file
// states, ignoring the remote-attachment fields.
func (a FileState) identityEqual(b FileState) bool {
	return a.Path == b.Path && a.Size == b.Size && a.MtimeNs == b.MtimeNs &&
		a.Ino == b.Ino && a.Mode == b.Mode
}

// DirectoryState is the metadata row for one synced tree.
type DirectoryState struct {
	ID          int64
	UUID        string
	Name        string
	Destination string
}

// DirectoryStateFile is one file mapped into a DirectoryState's destination
// tree.
type DirectoryStateFile struct {
	FileUUID   string
	TargetPath string
	TargetMode uint32
}

// Uploader is the subset of the Remote Client that the File Cache needs:
// content-addressed upload, existence revalidation by hash, and cache
// invalidation of the upload-coalescing entries a stale blob leaves behind.
// Defined here (rather than imported from internal/remoteclient) so the two
// packages don't import each other; internal/remoteclient.Client satisfies
// it.
type Uploader interface {
	UploadFile(ctx context.Context, r io.Reader) (uuid, sha256 string, err error)
	CheckFileExistsByHash(ctx context.Context, sha256 string) (bool, error)
	InvalidateUpload(ctx context.Context, sha256, uuid string) error
}

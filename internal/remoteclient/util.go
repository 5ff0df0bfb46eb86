package remoteclient

import "github.com/google/uuid"

// isUUID reports whether s parses as a UUID, used by ResolveImage to
// distinguish a bare image uuid from a malformed reference.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

package filecache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// directoryStateUUID derives the deterministic id for (path, destination,
// excludes) as
// uuid5(NAMESPACE_URL, "file://<path>?dest=<destination>&<sorted excludes>").
// Different exclude sets must yield different ids.
func directoryStateUUID(path, destination string, excludes []string) string {
	unique := make(map[string]struct{}, len(excludes))
	for _, e := range excludes {
		unique[e] = struct{}{}
	}

	sorted := make([]string, 0, len(unique))
	for e := range unique {
		sorted = append(sorted, e)
	}

	sort.Strings(sorted)

	pathURL := fmt.Sprintf("file://%s?dest=%s&%s", path, destination, strings.Join(sorted, "&"))

	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(pathURL)).String()
}

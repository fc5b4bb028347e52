package deps

import (
	"slices"
	"strings"

	"github.com/CZERTAINLY/Agent/internal/fsutil"
)

// ListExt is the extension of dependency list files.
const ListExt = ".deps"

// Paths returns the sorted set of the resolved paths.
func Paths(resolved []Resolved) []string {
	ret := make([]string, 0, len(resolved))
	for _, r := range resolved {
		ret = append(ret, r.Path)
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// StoreList writes paths, one per line, into dir. The file is named by the
// hash of its content and written only if it does not exist yet.
func StoreList(dir string, paths []string) (string, error) {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return fsutil.StoreOnce(dir, ListExt, []byte(b.String()))
}

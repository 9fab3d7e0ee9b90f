package gridpack

import (
	"fmt"
	"path"
	"path/filepath"
)

// JoinUnderRoot centralizes the path algebra required by section 9 of the
// design specification: every join of a root and a caller-supplied
// "relative" component must reject a relative component that is actually
// absolute, and must reject a root that is not itself absolute. Every path
// join anywhere in this module (storage paths, reuse probe targets, remote
// working directories) goes through this helper rather than ad hoc
// filepath.Join calls, so the rejection rule is enforced in exactly one
// place.
func JoinUnderRoot(root, relative string) (string, error) {
	if !path.IsAbs(root) {
		return "", fmt.Errorf("root path %q must be absolute", root)
	}
	if path.IsAbs(relative) {
		return "", fmt.Errorf("relative path %q must not be absolute", relative)
	}
	return filepath.Join(root, relative), nil
}

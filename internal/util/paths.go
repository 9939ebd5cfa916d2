// SPDX-License-Identifier: MIT

package util

import (
	"os"
	"path/filepath"
)

// DefaultUserLockSubdir names the per-user-lock directory under the
// system temp root (spec.md §6: "<tmp>/twitch-active-users/<username>.lock",
// generalized here away from the Twitch-specific name).
const DefaultUserLockSubdir = "recwatch-active-users"

// ResolveUserLockDir returns the stable tmp-rooted directory holding
// per-user recorder locks, creating it if missing. Unlike the Slot
// Registry's runtime directory, this is always under the system temp
// root rather than XDG_RUNTIME_DIR, matching spec.md §6's fixed
// "<tmp>/..." path.
func ResolveUserLockDir() (string, error) {
	dir := filepath.Join(os.TempDir(), DefaultUserLockSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Package safety refuses to run against a handful of system directories
// whose contents are virtual filesystems or device nodes rather than
// ordinary files, deleting which could destabilize the host.
package safety

import (
	"path/filepath"
	"strings"

	"github.com/efspurge/efspurge/internal/errkind"
)

// deniedRoots lists the directories (and everything under them) a purge
// run must never target.
var deniedRoots = []string{
	"/proc", "/sys", "/dev", "/run", "/var/run", "/boot",
	"/bin", "/sbin", "/lib", "/lib64", "/usr/bin", "/usr/sbin", "/usr/lib", "/etc",
}

// CheckRoot resolves root to an absolute, cleaned path and refuses it if
// it is, or is inside, a denied root.
func CheckRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errkind.Wrapf(errkind.ConfigInvalid, "resolving root path %q: %v", root, err)
	}
	abs = filepath.Clean(abs)

	for _, denied := range deniedRoots {
		if abs == denied || strings.HasPrefix(abs, denied+string(filepath.Separator)) {
			return "", errkind.Wrapf(errkind.RootBlocked,
				"refusing to purge %q: inside protected system directory %q", abs, denied)
		}
	}
	return abs, nil
}

// IsDenied reports whether path is, or is inside, a denied root, without
// constructing an error — used by tests and by any future allowlist UI.
func IsDenied(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, denied := range deniedRoots {
		if abs == denied || strings.HasPrefix(abs, denied+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

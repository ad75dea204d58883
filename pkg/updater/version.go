package updater

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions orders two version strings, returning -1, 0 or 1. Versions
// that both parse as semver compare semantically; anything else falls back to
// a plain string comparison.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// IsNewer reports whether candidate is strictly newer than installed.
func IsNewer(candidate, installed string) bool {
	return CompareVersions(candidate, installed) > 0
}

package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed vMAJOR.MINOR.PATCH[-pre] string.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	Raw                 string
	valid               bool
}

// ParseVersion parses "1.2.3", "v1.2.3" and "v1.2.3-rc1". Anything else,
// including "dev", yields a version for which IsDev reports true.
func ParseVersion(s string) Version {
	v := Version{Raw: s}
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		v.Pre = s[i+1:]
		s = s[:i]
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	v.valid = true
	return v
}

// IsDev reports whether the version is a local or unparseable build.
func (v Version) IsDev() bool {
	return !v.valid || v.Pre == "dev" || strings.HasPrefix(v.Pre, "dev.")
}

// IsOlderThan compares release versions. A pre-release sorts before its
// final release.
func (v Version) IsOlderThan(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	return v.Pre != "" && other.Pre == ""
}

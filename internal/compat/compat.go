// Package compat implements the initialize-result compatibility guard of
// SPEC_FULL.md §4.9A: parsing a "<Product>/<MAJOR.MINOR.PATCH>" user agent
// and rejecting agent servers older than a configured minimum, scoped to
// products whose name starts with "Codex ".
package compat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corerun/agentcore/internal/agenterr"
)

// Version is a MAJOR.MINOR.PATCH triplet.
type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v is strictly older than other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// DefaultMinCodexVersion is the floor this runtime enforces unless
// overridden by configuration.
var DefaultMinCodexVersion = Version{Major: 0, Minor: 104, Patch: 0}

const codexProductPrefix = "Codex "

// Guard configures the compatibility check.
type Guard struct {
	RequireInitializeUserAgent bool
	MinCodexVersion            *Version
}

// DefaultGuard matches the original implementation's defaults: require a
// user agent, and require at least DefaultMinCodexVersion for Codex products.
func DefaultGuard() Guard {
	v := DefaultMinCodexVersion
	return Guard{RequireInitializeUserAgent: true, MinCodexVersion: &v}
}

// Validate checks userAgent (the value advertised in the initialize result,
// or "" if none was present) against the guard.
func Validate(userAgent string, guard Guard) error {
	if !guard.RequireInitializeUserAgent && guard.MinCodexVersion == nil {
		return nil
	}

	if userAgent == "" {
		if guard.RequireInitializeUserAgent {
			return agenterr.MissingInitializeUserAgent()
		}
		return nil
	}

	product, version, ok := ParseUserAgent(userAgent)
	if !ok {
		return agenterr.InvalidInitializeUserAgent(userAgent)
	}

	if strings.HasPrefix(product, codexProductPrefix) && guard.MinCodexVersion != nil {
		if version.Less(*guard.MinCodexVersion) {
			return agenterr.IncompatibleCodexVersion(version.String(), guard.MinCodexVersion.String(), userAgent)
		}
	}
	return nil
}

// ParseUserAgent parses "<product>/<major.minor.patch>" exactly as the
// original implementation does: the product is everything before the first
// '/', trimmed and required non-empty; the version is the longest leading
// run of digits and '.' after the slash, read as three leading dot-separated
// components. Like the original's three `parts.next()` calls, any further
// dot-separated components are silently ignored rather than rejected, so
// "0.104.0.1" parses the same as "0.104.0".
func ParseUserAgent(value string) (product string, version Version, ok bool) {
	slash := strings.IndexByte(value, '/')
	if slash < 0 {
		return "", Version{}, false
	}
	product = strings.TrimSpace(value[:slash])
	if product == "" {
		return "", Version{}, false
	}

	rest := value[slash+1:]
	end := 0
	for end < len(rest) {
		c := rest[end]
		if (c >= '0' && c <= '9') || c == '.' {
			end++
			continue
		}
		break
	}
	versionPart := rest[:end]

	parts := strings.Split(versionPart, ".")
	if len(parts) < 3 {
		return "", Version{}, false
	}
	nums := make([]uint32, 3)
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseUint(parts[i], 10, 32)
		if err != nil {
			return "", Version{}, false
		}
		nums[i] = uint32(n)
	}
	return product, Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

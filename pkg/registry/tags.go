package registry

import (
	"regexp"
	"strconv"
	"strings"
)

// Semantic versioning pattern (e.g., 1.2.3, v1.2.3, 2.0.1-alpha, etc.)
var semverPattern = regexp.MustCompile(`^v?\d+\.\d+(\.\d+)?(-[a-zA-Z0-9.-]+)?$`)

// IsSemverTag checks if an image reference's tag matches semantic versioning
func IsSemverTag(imageURL string) bool {
	tag := ExtractTag(imageURL)
	if tag == "" {
		return false
	}

	// Extract just the version part if tag has additional suffix like -alpine
	// e.g., "1.2.3-alpine" -> check "1.2.3"
	parts := strings.Split(tag, "-")
	if len(parts) > 0 && semverPattern.MatchString(parts[0]) {
		return true
	}

	return semverPattern.MatchString(tag)
}

// ExtractTag extracts the tag portion from an image URL
// Examples:
//   - "postgres:15.2" -> "15.2"
//   - "redis:7.0-alpine" -> "7.0-alpine"
//   - "nginx" -> ""
//   - "registry.com:5000/nginx:latest" -> "latest"
func ExtractTag(imageURL string) string {
	// Remove digest if present (e.g., nginx@sha256:abc -> nginx)
	if idx := strings.LastIndex(imageURL, "@"); idx != -1 {
		imageURL = imageURL[:idx]
	}

	// The tag separator is the last colon after the final slash; anything
	// before a slash is a registry host (possibly with a port)
	slash := strings.LastIndex(imageURL, "/")
	colon := strings.LastIndex(imageURL, ":")
	if colon > slash {
		return imageURL[colon+1:]
	}
	return ""
}

// NewestSemverAfter returns the highest semver tag in tags that is newer
// than current and shares current's suffix (e.g. "-alpine"), if any
func NewestSemverAfter(current string, tags []string) (string, bool) {
	curVersion, curSuffix, ok := splitSemver(current)
	if !ok {
		return "", false
	}

	best := curVersion
	bestTag := ""
	for _, tag := range tags {
		version, suffix, ok := splitSemver(tag)
		if !ok || suffix != curSuffix {
			continue
		}
		if compareVersions(version, best) > 0 {
			best = version
			bestTag = tag
		}
	}

	if bestTag == "" {
		return "", false
	}
	return bestTag, true
}

// splitSemver splits "v1.2.3-alpine" into numeric parts and suffix
func splitSemver(tag string) ([]int, string, bool) {
	version := tag
	suffix := ""
	if idx := strings.Index(tag, "-"); idx != -1 {
		version = tag[:idx]
		suffix = tag[idx+1:]
	}
	version = strings.TrimPrefix(version, "v")

	parts := strings.Split(version, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, "", false
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, "", false
		}
		nums[i] = n
	}
	return nums, suffix, true
}

func compareVersions(a, b []int) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

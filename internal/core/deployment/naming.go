package deployment

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Image Naming Functions
// =============================================================================

const maxTagLength = 128

var (
	validTagRegex   = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// RepositoryRef joins a registry address and repository name.
// Pattern: {registry}/{repository}
//
// Example:
//
//	RepositoryRef("1234.dkr.ecr.us-east-1.amazonaws.com", "test")
//	// returns "1234.dkr.ecr.us-east-1.amazonaws.com/test"
func RepositoryRef(registry, repository string) string {
	registry = strings.TrimSuffix(registry, "/")
	if registry == "" {
		return repository
	}
	return fmt.Sprintf("%s/%s", registry, repository)
}

// ImageRef builds a full image reference.
// Pattern: {registry}/{repository}:{tag}
func ImageRef(registry, repository, tag string) string {
	return fmt.Sprintf("%s:%s", RepositoryRef(registry, repository), tag)
}

// BranchLatestTag derives the mutable tag for a branch.
// Pattern: {branch}-latest, with characters not allowed in a tag replaced by "-".
//
// Example:
//
//	BranchLatestTag("feature/login") // returns "feature-login-latest"
func BranchLatestTag(branch string) string {
	b := invalidTagChars.ReplaceAllString(strings.TrimSpace(branch), "-")
	b = strings.TrimLeft(b, ".-")
	if b == "" {
		b = "detached"
	}
	const suffix = "-latest"
	if len(b)+len(suffix) > maxTagLength {
		b = b[:maxTagLength-len(suffix)]
	}
	return b + suffix
}

// IsValidTag reports whether tag is a valid image tag.
func IsValidTag(tag string) bool {
	return validTagRegex.MatchString(tag)
}

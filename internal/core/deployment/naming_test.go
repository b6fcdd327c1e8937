package deployment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// RepositoryRef / ImageRef Tests
// =============================================================================

func TestRepositoryRef_Simple(t *testing.T) {
	got := RepositoryRef("registry.example.com", "app")
	assert.Equal(t, "registry.example.com/app", got)
}

func TestRepositoryRef_TrailingSlash(t *testing.T) {
	got := RepositoryRef("registry.example.com/", "app")
	assert.Equal(t, "registry.example.com/app", got)
}

func TestRepositoryRef_NoRegistry(t *testing.T) {
	got := RepositoryRef("", "app")
	assert.Equal(t, "app", got)
}

func TestImageRef(t *testing.T) {
	got := ImageRef("registry.example.com", "app", "v1")
	assert.Equal(t, "registry.example.com/app:v1", got)
}

// =============================================================================
// BranchLatestTag Tests
// =============================================================================

func TestBranchLatestTag(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		want   string
	}{
		{"simple", "main", "main-latest"},
		{"slash", "feature/login", "feature-login-latest"},
		{"spaces trimmed", "  dev  ", "dev-latest"},
		{"leading dot", ".hidden", "hidden-latest"},
		{"invalid run collapsed", "a@@b", "a-b-latest"},
		{"empty", "", "detached-latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchLatestTag(tt.branch)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsValidTag(got))
		})
	}
}

func TestBranchLatestTag_Truncated(t *testing.T) {
	got := BranchLatestTag(strings.Repeat("b", 200))
	assert.Len(t, got, 128)
	assert.True(t, strings.HasSuffix(got, "-latest"))
	assert.True(t, IsValidTag(got))
}

func TestIsValidTag(t *testing.T) {
	assert.True(t, IsValidTag("3f2c1ab"))
	assert.True(t, IsValidTag("v1.2.3_rc-1"))
	assert.False(t, IsValidTag(""))
	assert.False(t, IsValidTag("-leading"))
	assert.False(t, IsValidTag("with/slash"))
}

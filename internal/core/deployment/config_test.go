package deployment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func validConfig() DeploymentConfig {
	return DeploymentConfig{
		Region:        "us-east-1",
		Registry:      "123456789012.dkr.ecr.us-east-1.amazonaws.com",
		Repository:    "test",
		ContentTag:    "3f2c1ab",
		Branch:        "main",
		TargetHost:    "i-0123456789",
		DatabaseURL:   "postgres://app:secret@db:5432/app?sslmode=disable",
		ContainerName: DefaultContainerName,
		Port:          DefaultPort,
		TagSource:     TagSourceBranch,
		LogFile:       DefaultLogFile,
		LockFile:      DefaultLockFile,
	}
}

// =============================================================================
// ValidateRequired Tests
// =============================================================================

func TestValidateRequired_AllPresent(t *testing.T) {
	err := ValidateRequired(RequiredKeys, validConfig().Lookup)
	assert.NoError(t, err)
}

func TestValidateRequired_ReportsEveryMissingKeyInOrder(t *testing.T) {
	source := map[string]string{
		KeyRegion:     "us-east-1",
		KeyRepository: "   ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := source[k]
		return v, ok
	}

	err := ValidateRequired([]string{KeyRegion, KeyRegistry, KeyRepository}, lookup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{KeyRegistry, KeyRepository}, cfgErr.Missing)
	assert.Contains(t, err.Error(), "registry.address, registry.repository")
}

func TestValidateRequired_EachKeyAlone(t *testing.T) {
	for _, key := range RequiredKeys {
		t.Run(key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == key {
					return "", true
				}
				return validConfig().Lookup(k)
			}
			err := ValidateRequired(RequiredKeys, lookup)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, []string{key}, cfgErr.Missing)
		})
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_ZeroPortIsMissing(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 0

	var cfgErr *ConfigurationError
	require.True(t, errors.As(Validate(cfg), &cfgErr))
	assert.Equal(t, []string{KeyPort}, cfgErr.Missing)
}

func TestValidate_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeploymentConfig)
		key    string
	}{
		{"port out of range", func(c *DeploymentConfig) { c.Port = 70000 }, KeyPort},
		{"unknown tag source", func(c *DeploymentConfig) { c.TagSource = "nightly" }, "deploy.tag_source"},
		{"network without name", func(c *DeploymentConfig) { c.UseDockerNetwork = true }, "deploy.network_name"},
		{"bad content tag", func(c *DeploymentConfig) { c.ContentTag = "has space" }, KeyContentTag},
		{"no log file", func(c *DeploymentConfig) { c.LogFile = "" }, "remote.log_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Empty(t, cfgErr.Missing)
			assert.Contains(t, cfgErr.Invalid, tt.key)
		})
	}
}

func TestValidate_MissingAndInvalidTogether(t *testing.T) {
	cfg := validConfig()
	cfg.Region = ""
	cfg.TagSource = "bogus"

	var cfgErr *ConfigurationError
	require.True(t, errors.As(Validate(cfg), &cfgErr))
	assert.Equal(t, []string{KeyRegion}, cfgErr.Missing)
	assert.Contains(t, cfgErr.Invalid, "deploy.tag_source")
}

// =============================================================================
// Lookup / Image Tests
// =============================================================================

func TestLookup_UnknownKey(t *testing.T) {
	_, ok := validConfig().Lookup("nope")
	assert.False(t, ok)
}

func TestLookup_Port(t *testing.T) {
	v, ok := validConfig().Lookup(KeyPort)
	assert.True(t, ok)
	assert.Equal(t, "3001", v)
}

func TestDeployImage_TagSource(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/test:main-latest", cfg.DeployImage())

	cfg.TagSource = TagSourceFixed
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/test:3f2c1ab", cfg.DeployImage())
}

func TestContentAndBranchImages(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/test:3f2c1ab", cfg.ContentImage())
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/test:main-latest", cfg.BranchImage())
}

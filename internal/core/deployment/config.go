package deployment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// Configuration Keys
// =============================================================================

// Configuration keys. They match the keys of the deployer config file.
const (
	KeyRegion        = "aws.region"
	KeyRegistry      = "registry.address"
	KeyRepository    = "registry.repository"
	KeyContentTag    = "build.tag"
	KeyBranch        = "build.branch"
	KeyTargetHost    = "target.host"
	KeyDatabaseURL   = "app.database_url"
	KeyContainerName = "app.container_name"
	KeyPort          = "app.port"
)

// RequiredKeys lists every value that must be set before any stage runs.
var RequiredKeys = []string{
	KeyRegion,
	KeyRegistry,
	KeyRepository,
	KeyContentTag,
	KeyBranch,
	KeyTargetHost,
	KeyDatabaseURL,
	KeyContainerName,
	KeyPort,
}

// Defaults for the deployed service.
const (
	DefaultContainerName = "cicd-backend"
	DefaultPort          = 3001
	DefaultLogFile       = "/var/log/cicd-deploy.log"
	DefaultLockFile      = "/var/lock/cicd-deploy.lock"
)

// TagSource selects which tag the target host deploys.
type TagSource string

const (
	// TagSourceFixed deploys the immutable content tag.
	TagSourceFixed TagSource = "fixed"
	// TagSourceBranch deploys the mutable <branch>-latest tag.
	TagSourceBranch TagSource = "branch-derived"
)

// =============================================================================
// DeploymentConfig
// =============================================================================

// DeploymentConfig is the resolved configuration of one run.
// It is built once at process start and passed by value.
type DeploymentConfig struct {
	Region        string
	Registry      string
	Repository    string
	ContentTag    string
	Branch        string
	TargetHost    string
	DatabaseURL   string
	ContainerName string
	Port          int

	TagSource        TagSource
	UseDockerNetwork bool
	NetworkName      string
	LogFile          string
	LockFile         string // empty disables the remote lock
}

// Lookup returns the value for a configuration key.
// Unset values, including a zero port, are reported as "".
func (c DeploymentConfig) Lookup(key string) (string, bool) {
	switch key {
	case KeyRegion:
		return c.Region, true
	case KeyRegistry:
		return c.Registry, true
	case KeyRepository:
		return c.Repository, true
	case KeyContentTag:
		return c.ContentTag, true
	case KeyBranch:
		return c.Branch, true
	case KeyTargetHost:
		return c.TargetHost, true
	case KeyDatabaseURL:
		return c.DatabaseURL, true
	case KeyContainerName:
		return c.ContainerName, true
	case KeyPort:
		if c.Port == 0 {
			return "", true
		}
		return strconv.Itoa(c.Port), true
	default:
		return "", false
	}
}

// Repo returns the fully qualified repository, e.g. "1234.dkr.ecr.us-east-1.amazonaws.com/app".
func (c DeploymentConfig) Repo() string {
	return RepositoryRef(c.Registry, c.Repository)
}

// DeployTag returns the tag the target host pulls.
func (c DeploymentConfig) DeployTag() string {
	if c.TagSource == TagSourceFixed {
		return c.ContentTag
	}
	return BranchLatestTag(c.Branch)
}

// ContentImage returns the image reference under the content tag.
func (c DeploymentConfig) ContentImage() string {
	return ImageRef(c.Registry, c.Repository, c.ContentTag)
}

// BranchImage returns the image reference under the branch-latest tag.
func (c DeploymentConfig) BranchImage() string {
	return ImageRef(c.Registry, c.Repository, BranchLatestTag(c.Branch))
}

// DeployImage returns the image reference the target host pulls.
func (c DeploymentConfig) DeployImage() string {
	return ImageRef(c.Registry, c.Repository, c.DeployTag())
}

// =============================================================================
// Validation
// =============================================================================

// ValidateRequired checks that every key is set and non-empty in lookup.
// All missing keys are reported, in the order given.
func ValidateRequired(keys []string, lookup func(string) (string, bool)) error {
	var missing []string
	for _, key := range keys {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// Validate checks presence of every required key, then value constraints.
func Validate(c DeploymentConfig) error {
	err := ValidateRequired(RequiredKeys, c.Lookup)
	cfgErr, _ := err.(*ConfigurationError)
	if cfgErr == nil {
		cfgErr = &ConfigurationError{}
	}

	invalid := map[string]string{}
	if c.Port < 0 || c.Port > 65535 {
		invalid[KeyPort] = fmt.Sprintf("port %d out of range 1-65535", c.Port)
	}
	switch c.TagSource {
	case TagSourceFixed, TagSourceBranch:
	default:
		invalid["deploy.tag_source"] = fmt.Sprintf("%q is not one of %q, %q", c.TagSource, TagSourceFixed, TagSourceBranch)
	}
	if c.UseDockerNetwork && strings.TrimSpace(c.NetworkName) == "" {
		invalid["deploy.network_name"] = "required when deploy.use_docker_network is set"
	}
	if c.ContentTag != "" && !IsValidTag(c.ContentTag) {
		invalid[KeyContentTag] = fmt.Sprintf("%q is not a valid image tag", c.ContentTag)
	}
	if strings.TrimSpace(c.LogFile) == "" {
		invalid["remote.log_file"] = "must not be empty"
	}

	if len(invalid) > 0 {
		cfgErr.Invalid = invalid
	}
	if len(cfgErr.Missing) == 0 && len(cfgErr.Invalid) == 0 {
		return nil
	}
	return cfgErr
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package kalcast carries the module's build and version information,
// stamped at link time by the mage build targets.
package kalcast

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	versionString   = ""
	versionGitSHA   = ""
	buildTimestamp  = ""
	goVersionString = ""
)

type Version struct {
	Major  int    `json:"major"`
	Minor  int    `json:"minor"`
	Patch  int    `json:"patch"`
	GitSHA string `json:"git"`
}

var cachedVersion *Version

// GetVersion decomposes the stamped version string. An unstamped or
// unparsable build yields a zero Version.
func GetVersion() *Version {
	if cachedVersion != nil {
		return cachedVersion
	}
	cachedVersion = &Version{}
	if v, err := semver.NewVersion(versionString); err == nil {
		cachedVersion.Major = int(v.Major())
		cachedVersion.Minor = int(v.Minor())
		cachedVersion.Patch = int(v.Patch())
		cachedVersion.GitSHA = versionGitSHA
	}
	return cachedVersion
}

func DisplayVersion() string {
	return strings.ToUpper(versionString)
}

func VersionString() string {
	return fmt.Sprintf("%s (%v %v)", strings.ToUpper(versionString), versionGitSHA, buildTimestamp)
}

func BuildCompiler() string {
	return goVersionString
}

func BuildTimestamp() string {
	return buildTimestamp
}

package build

import "fmt"

// Semantic version of the release. Pre-release builds carry a suffix.
const (
	appMajor = 0
	appMinor = 1
	appPatch = 0

	appPreRelease = "beta"
)

// Version returns the semantic version string for the binaries.
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		v += "-" + appPreRelease
	}

	return v
}

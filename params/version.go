package params

import "fmt"

const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
)

// Version holds the textual version string.
var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

// VersionWithCommit returns the version string annotated with build metadata.
func VersionWithCommit(gitCommit, gitDate string) string {
	vsn := Version
	if len(gitCommit) >= 8 {
		vsn += "-" + gitCommit[:8]
	}
	if gitDate != "" {
		vsn += "-" + gitDate
	}
	return vsn
}

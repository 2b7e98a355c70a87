package ldclient

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/blang/semver/v4"
)

const sdkName = "ldclient-go"

// getUserAgent returns the User-Agent header value in the format "ldclient-go/<version>".
// If the version cannot be determined (e.g., during development), it returns "ldclient-go/unknown".
func getUserAgent() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return userAgentFor("")
	}
	return userAgentFor(info.Main.Version)
}

// userAgentFor keeps only versions that parse as semver.
func userAgentFor(version string) string {
	const unknownVersion = "unknown"

	v, err := semver.ParseTolerant(version)
	if version == "" || version == "(devel)" || err != nil {
		return fmt.Sprintf("%s/%s", sdkName, unknownVersion)
	}
	if !strings.HasPrefix(version, "v") {
		return fmt.Sprintf("%s/%s", sdkName, v.String())
	}
	return fmt.Sprintf("%s/v%s", sdkName, v.String())
}

package ldclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetUserAgentFormat(t *testing.T) {
	// Given/When
	userAgent := getUserAgent()

	// Then - should be either a valid version or "unknown"
	parts := strings.Split(userAgent, "/")
	assert.Equal(t, 2, len(parts), "User-Agent should have exactly two parts separated by '/'")
	assert.Equal(t, sdkName, parts[0])

	versionPart := parts[1]
	isValid := versionPart == "unknown" || strings.HasPrefix(versionPart, "v")
	assert.True(t, isValid,
		"Version should be 'unknown' or start with 'v', got: %s", versionPart)
}

func TestUserAgentFor(t *testing.T) {
	cases := map[string]string{
		"":                                   "ldclient-go/unknown",
		"(devel)":                            "ldclient-go/unknown",
		"not-a-version":                      "ldclient-go/unknown",
		"v1.4.2":                             "ldclient-go/v1.4.2",
		"v2.0.0-rc.1":                        "ldclient-go/v2.0.0-rc.1",
		"v0.0.0-20240101000000-abcdef123456": "ldclient-go/v0.0.0-20240101000000-abcdef123456",
	}
	for version, want := range cases {
		t.Run(version, func(t *testing.T) {
			assert.Equal(t, want, userAgentFor(version))
		})
	}
}

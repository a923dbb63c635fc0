package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerVersion(t *testing.T) {
	info := "# Server\r\nredis_version:7.2.4\r\nredis_git_sha1:00000000\r\n"
	assert.Equal(t, "7.2.4", serverVersion(info))
	assert.Empty(t, serverVersion("# Server\r\nos:Linux\r\n"))
}

func TestSupportsStreams(t *testing.T) {
	for version, want := range map[string]bool{
		"7.2.4":  true,
		"6.2.0":  true,
		"6.0.16": false,
		"5.0.7":  false,
		"10.0":   true,
		"":       true,
		"valkey": true,
	} {
		assert.Equal(t, want, supportsStreams(version), version)
	}
}

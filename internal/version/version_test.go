package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	v, sha, built := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = v, sha, built })

	assert.Equal(t, "dev (commit unknown, built unknown)", String())
	Version, GitSHA, BuildTime = "0.3.0", "abc1234", "2026-10-19"
	assert.Equal(t, "0.3.0 (commit abc1234, built 2026-10-19)", String())
}

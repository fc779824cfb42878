package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestInfoFormats(t *testing.T) {
	info := Info{Version: "0.4.0", GitCommit: "9f2c1e7", BuildTime: "2026-10-01T08:00:00Z", GoVersion: "go1.25.1"}

	assert.Equal(t, "Version: 0.4.0, GitCommit: 9f2c1e7, BuildTime: 2026-10-01T08:00:00Z, GoVersion: go1.25.1", info.String())

	out, err := info.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"0.4.0","gitCommit":"9f2c1e7","buildTime":"2026-10-01T08:00:00Z","goVersion":"go1.25.1"}`, out)
}

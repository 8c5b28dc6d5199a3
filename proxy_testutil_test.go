package proxy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFile is a small shared helper for tests that need a config file on
// disk; kept here rather than duplicated per _test.go file.
func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

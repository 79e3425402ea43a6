package testutil

import (
	"os"
	"testing"
)

// RequireRig skips the test if the HIVE_RIG_TEST environment variable is not
// set. This ensures that tests requiring a physically connected testrack
// (switch matrix, probes, targets) are only run in the proper environment.
func RequireRig(t *testing.T) {
	t.Helper()
	if os.Getenv("HIVE_RIG_TEST") == "" {
		t.Skip("Skipping test: requires HIVE_RIG_TEST environment")
	}
}

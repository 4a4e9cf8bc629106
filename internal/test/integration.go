package test

import (
	"os"
	"testing"
)

// Integration skips the test unless integration tests are enabled with GWRELAY_INTEGRATION=1.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("GWRELAY_INTEGRATION") != "1" {
		t.Skip("skipping integration test, set GWRELAY_INTEGRATION=1 to run")
	}
}

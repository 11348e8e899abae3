// +build !unit

package version

import "testing"

// TestFlagEmpty fails if version.Flag is not empty. We use this to enforce an
// empty flag on the master branch and differentiate between dev code and
// production code.
func TestFlagEmpty(t *testing.T) {
	if len(Flag) > 0 {
		t.Fatalf("Version Flag is not empty: %s", Flag)
	}
}

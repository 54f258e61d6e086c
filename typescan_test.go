package typescan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// A Go-only process carries no type metadata sections, so enumeration must
// run to exhaustion over every loaded image and yield nothing — missing
// sections are the common case, not an error.
func TestEnumerationOverOwnProcessYieldsNothing(t *testing.T) {
	count := 0
	for range TypesWithNamesContaining("") {
		count++
	}
	assert.Zero(t, count)
}

func TestEnumerationEarlyBreakTerminates(t *testing.T) {
	for range TypesMatching(func(string) bool { return true }) {
		break
	}
}

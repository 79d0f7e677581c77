package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUid(t *testing.T) {
	id := Uid()
	assert.Len(t, id, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", id)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Uid()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
	// "落盘" is 6 bytes; a cut at 4 must back off to the rune boundary.
	assert.Equal(t, "落...", Truncate("落盘失败", 4))
}

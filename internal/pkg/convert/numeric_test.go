package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat64(t *testing.T) {
	for in, want := range map[any]float64{
		1.5:                 1.5,
		float32(2):          2,
		3:                   3,
		int64(4):            4,
		" 5.25 ":            5.25,
		json.Number("6.5"): 6.5,
	} {
		got, err := Float64(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []any{nil, "", "abc", true, []int{1}} {
		_, err := Float64(bad)
		assert.Error(t, err, bad)
	}
}

func TestInt64(t *testing.T) {
	n, ok := Int64(1704067200000.0)
	require.True(t, ok)
	assert.Equal(t, int64(1704067200000), n)

	n, ok = Int64(json.Number("1704067200000"))
	require.True(t, ok)
	assert.Equal(t, int64(1704067200000), n)

	_, ok = Int64(1.5)
	assert.False(t, ok)
	_, ok = Int64("1704067200000")
	assert.False(t, ok)
}

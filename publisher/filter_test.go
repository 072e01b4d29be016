package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"drift_*", "rollback_start"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.kindGlobs, 2)
}

func TestNewGlobFilterEmptyPatterns(t *testing.T) {
	// Empty patterns should match everything
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("drift_start"))
	assert.True(t, filter.Match("wait_exhausted"))
	assert.True(t, filter.Match(""))
}

func TestGlobFilterExactMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"rollback_start"})
	require.NoError(t, err)

	assert.True(t, filter.Match("rollback_start"))
	assert.False(t, filter.Match("rollback_end"))
	assert.False(t, filter.Match("drift_start"))
}

func TestGlobFilterWildcard(t *testing.T) {
	filter, err := NewGlobFilter([]string{"rollback_*", "*_exhausted"})
	require.NoError(t, err)

	assert.True(t, filter.Match("rollback_start"))
	assert.True(t, filter.Match("rollback_end"))
	assert.True(t, filter.Match("wait_exhausted"))

	assert.False(t, filter.Match("drift_start"))
	assert.False(t, filter.Match("drift_end"))
}

func TestGlobFilterAlternatives(t *testing.T) {
	filter, err := NewGlobFilter([]string{"{drift,rollback}_end"})
	require.NoError(t, err)

	assert.True(t, filter.Match("drift_end"))
	assert.True(t, filter.Match("rollback_end"))
	assert.False(t, filter.Match("drift_start"))
}

func TestNewGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unterminated"})
	assert.Error(t, err)
}

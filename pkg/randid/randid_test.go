package randid

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id, err := New(16)
	require.NoError(t, err)
	assert.Len(t, id, 16)

	for _, r := range id {
		assert.True(t, strings.ContainsRune(alphabet, r), "character %q outside alphabet", r)
	}
}

func TestNew_Uniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := New(12)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNew_InvalidLength(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)

	_, err = New(-5)
	assert.Error(t, err)
}

func TestNodeID(t *testing.T) {
	now := time.UnixMilli(1700000012345)

	id, err := NodeID("quty", 1, now)
	require.NoError(t, err)

	// quty-1-<4 hex><last 4 millis digits>
	assert.Regexp(t, regexp.MustCompile(`^quty-1-[0-9a-f]{4}2345$`), id)
}

func TestNodeID_DistinctAcrossCalls(t *testing.T) {
	now := time.Now()
	a, err := NodeID("quty", 1, now)
	require.NoError(t, err)
	b, err := NodeID("quty", 1, now)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

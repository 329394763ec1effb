package rbank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicMergeKeepsLonger(t *testing.T) {
	long := "wash UiO-66 three times with fresh DMF before activation to remove trapped linker"
	short := "wash with DMF before activation"

	merged, extra := heuristicMerge(long, short)
	assert.Equal(t, long, merged)
	assert.Equal(t, short, extra["merge_discarded"])

	merged, extra = heuristicMerge(short, long)
	assert.Equal(t, long, merged)
	assert.Equal(t, short, extra["merge_discarded"])
}

func TestHeuristicMergeEqualLengthKeepsExisting(t *testing.T) {
	merged, extra := heuristicMerge("aaaa", "bbbb")
	assert.Equal(t, "aaaa", merged)
	assert.Equal(t, "bbbb", extra["merge_discarded"])
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abc", truncateText("abc", 5))
	assert.Equal(t, "abc", truncateText("abc", 3))
	assert.Equal(t, "ab...", truncateText("abcdef", 2))
}

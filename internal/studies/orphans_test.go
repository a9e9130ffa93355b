package studies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectOrphansReturnsExclusivelyOwnedMoves(t *testing.T) {
	owners := map[string][]string{
		"move-exclusive": {"study-a"},
		"move-shared":    {"study-a", "study-b"},
		"move-other":     {"study-b", "study-c"},
		"move-dangling":  nil,
	}

	orphans := DetectOrphans("study-a", owners)

	assert.Equal(t, []string{"move-dangling", "move-exclusive"}, orphans)
}

func TestDetectOrphansNeverReturnsMovesWithAnotherOwner(t *testing.T) {
	owners := map[string][]string{
		"move-1": {"study-b", "study-a"},
		"move-2": {"study-a", "study-a", "study-c"},
	}

	assert.Empty(t, DetectOrphans("study-a", owners))
}

func TestDetectOrphansEmptyInput(t *testing.T) {
	assert.Empty(t, DetectOrphans("study-a", nil))
}

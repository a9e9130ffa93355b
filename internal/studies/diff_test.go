package studies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteMove(origin, destination string, own bool) MoveRecord {
	return MoveRecord{Side: SideWhite, Origin: origin, Destination: destination, OwnMove: own}
}

func TestDiffMovesReportsAddedAndRemovedWithOwnCounts(t *testing.T) {
	existing := []MoveRecord{
		whiteMove("start", "e4", true),
		whiteMove("e4", "e5", false),
		whiteMove("e5", "nf3", true),
	}
	parsed := []MoveRecord{
		whiteMove("start", "e4", true),
		whiteMove("e4", "c5", false),
		whiteMove("c5", "nf3", true),
		whiteMove("e4", "e5", false),
	}

	diff := DiffMoves(existing, parsed)

	assert.Equal(t, []MoveRecord{whiteMove("e4", "c5", false), whiteMove("c5", "nf3", true)}, diff.Added)
	assert.Equal(t, []MoveRecord{whiteMove("e5", "nf3", true)}, diff.Removed)
	assert.Equal(t, 2, diff.NumAdded())
	assert.Equal(t, 1, diff.NumRemoved())
	assert.Equal(t, 1, diff.NumAddedOwn())
	assert.Equal(t, 1, diff.NumRemovedOwn())
}

func TestDiffMovesIsSymmetric(t *testing.T) {
	first := []MoveRecord{whiteMove("a", "b", true), whiteMove("b", "c", false), whiteMove("c", "d", true)}
	second := []MoveRecord{whiteMove("a", "b", true), whiteMove("b", "x", false)}

	forward := DiffMoves(first, second)
	backward := DiffMoves(second, first)

	assert.ElementsMatch(t, forward.Added, backward.Removed)
	assert.ElementsMatch(t, forward.Removed, backward.Added)
}

func TestDiffMovesIgnoresOrderAndDuplicates(t *testing.T) {
	moves := []MoveRecord{whiteMove("a", "b", true), whiteMove("b", "c", false), whiteMove("c", "d", true)}
	permuted := []MoveRecord{moves[2], moves[0], moves[1], moves[0]}

	diff := DiffMoves(moves, permuted)

	assert.True(t, diff.Empty())
	assert.True(t, DiffMoves(moves, moves).Empty())
}

func TestDiffMovesTreatsSidesAsDistinctIdentities(t *testing.T) {
	existing := []MoveRecord{whiteMove("a", "b", true)}
	parsed := []MoveRecord{{Side: SideBlack, Origin: "a", Destination: "b", OwnMove: false}}

	diff := DiffMoves(existing, parsed)

	require.Len(t, diff.Added, 1)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, SideBlack, diff.Added[0].Side)
}

func TestDiffMovesIgnoresOwnershipFlagForIdentity(t *testing.T) {
	diff := DiffMoves([]MoveRecord{whiteMove("a", "b", true)}, []MoveRecord{whiteMove("a", "b", false)})
	assert.True(t, diff.Empty())
}

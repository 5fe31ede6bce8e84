package hashfn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault64Deterministic(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(Default64([]byte("hello")), Default64([]byte("hello")))
	requireT.NotEqual(Default64([]byte("hello")), Default64([]byte("world")))
}

func TestLowerInterlaceEmpty(t *testing.T) {
	require.New(t).Equal(uint32(0), LowerInterlace(nil))
}

func TestLowerInterlaceDeterministic(t *testing.T) {
	requireT := require.New(t)

	hashes := []uint64{Default64([]byte("a")), Default64([]byte("b"))}
	requireT.Equal(LowerInterlace(hashes), LowerInterlace(hashes))
}

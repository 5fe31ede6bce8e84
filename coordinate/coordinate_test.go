package coordinate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimaryContains(t *testing.T) {
	requireT := require.New(t)

	c := Coordinate{PrimaryMask: 0xFF, PrimaryHash: 0x12}
	requireT.True(c.PrimaryContains(Point(0x12, 0)))
	requireT.True(c.PrimaryContains(Point(0xFF12, 0)))
	requireT.False(c.PrimaryContains(Point(0x13, 0)))
}

func TestContains(t *testing.T) {
	requireT := require.New(t)

	c := Coordinate{PrimaryMask: 0xFF, PrimaryHash: 0x12, SecondaryMask: 0x0F, SecondaryHash: 0x05}
	requireT.True(c.Contains(Point(0x12, 0x05)))
	requireT.True(c.Contains(Point(0x12, 0x15)))
	requireT.False(c.Contains(Point(0x12, 0x06)))
	requireT.False(c.Contains(Point(0x13, 0x05)))
}

func TestKeyOnlyIsTombstone(t *testing.T) {
	requireT := require.New(t)

	c := KeyOnly(0xABCD)
	requireT.True(c.IsTombstone())
	requireT.Equal(uint32(MaxUint32), c.PrimaryMask)
	requireT.Equal(uint32(0), c.SecondaryMask)
}

func TestIntersects(t *testing.T) {
	requireT := require.New(t)

	a := Coordinate{PrimaryMask: 0xFF, PrimaryHash: 0x00, SecondaryMask: 0xFF, SecondaryHash: 0x00}
	b := Coordinate{PrimaryMask: 0xFF, PrimaryHash: 0x01, SecondaryMask: 0xFF, SecondaryHash: 0x00}
	requireT.False(a.Intersects(b))

	c := Coordinate{PrimaryMask: 0x0F, PrimaryHash: 0x00, SecondaryMask: 0xFF, SecondaryHash: 0x00}
	requireT.True(a.Intersects(c))
}

func TestWithBits(t *testing.T) {
	requireT := require.New(t)

	base := Zero
	withSet := base.WithPrimaryBit(0x02, true)
	requireT.Equal(uint32(0x02), withSet.PrimaryMask)
	requireT.Equal(uint32(0x02), withSet.PrimaryHash)

	withClear := base.WithSecondaryBit(0x04, false)
	requireT.Equal(uint32(0x04), withClear.SecondaryMask)
	requireT.Equal(uint32(0), withClear.SecondaryHash)
}

package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-os/nucleus/kernel/kerr"
)

func TestValidateMemoryMap(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x0, Size: 0x10000, Kind: RegionReserved},
		{Start: 0x10000, Size: 0x20000, Kind: RegionUsable},
		{Start: 0x30000, Size: 0x10000, Kind: RegionKernelCode},
	}
	mm, err := ValidateMemoryMap(regions, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40000), mm.TotalBytes)
	assert.Equal(t, uint64(0x20000), mm.UsableBytes)
	assert.Len(t, mm.KindRegions(RegionUsable), 1)
}

func TestValidateMemoryMap_OverlapReported(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x10000, Size: 0x20000, Kind: RegionUsable},
		{Start: 0x20000, Size: 0x10000, Kind: RegionReserved},
	}
	_, err := ValidateMemoryMap(regions, 1<<20)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.ErrBadMemoryMap)
	// The report names both offenders; nothing is merged.
	assert.Contains(t, err.Error(), "region 0 (usable) overlaps region 1 (reserved)")
}

func TestValidateMemoryMap_KernelClaimAccepted(t *testing.T) {
	// Platform maps report RAM wholesale; the image regions claim the part
	// the kernel already sits in. That overlap is legitimate.
	_, err := ValidateMemoryMap([]MemoryRegion{
		{Start: 0x10000, Size: 0x40000, Kind: RegionUsable},
		{Start: 0x20000, Size: 0x8000, Kind: RegionKernelCode},
		{Start: 0x28000, Size: 0x8000, Kind: RegionKernelData},
	}, 1<<20)
	assert.NoError(t, err)
}

func TestValidateMemoryMap_Bounds(t *testing.T) {
	_, err := ValidateMemoryMap([]MemoryRegion{
		{Start: 0xff0000, Size: 0x20000, Kind: RegionUsable},
	}, 1<<20)
	assert.ErrorIs(t, err, kerr.ErrBadMemoryMap)

	_, err = ValidateMemoryMap([]MemoryRegion{
		{Start: 0x1000, Size: 0, Kind: RegionUsable},
	}, 1<<20)
	assert.ErrorIs(t, err, kerr.ErrBadMemoryMap)
}

func TestMemoryRegionHelpers(t *testing.T) {
	r := MemoryRegion{Start: 0x1000, Size: 0x2000, Kind: RegionUsable}
	assert.Equal(t, uint64(0x3000), uint64(r.End()))
	assert.True(t, r.Contains(0x1000))
	assert.True(t, r.Contains(0x2fff))
	assert.False(t, r.Contains(0x3000))
	assert.True(t, r.Overlaps(MemoryRegion{Start: 0x2fff, Size: 1}))
	assert.False(t, r.Overlaps(MemoryRegion{Start: 0x3000, Size: 1}))
}

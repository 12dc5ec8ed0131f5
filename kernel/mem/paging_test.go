package mem

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
)

// pagingEnv builds a machine with a single usable region and an empty kernel
// space rooted in it.
func pagingEnv(t *testing.T, usableBytes uint64) (*hw.Machine, *FrameAllocator, *AddressSpace) {
	t.Helper()
	physSize := uint64(0x100000) + usableBytes
	m, fa := testAllocator(t, []MemoryRegion{
		{Start: 0x100000, Size: usableBytes, Kind: RegionUsable},
	}, physSize)
	ks, err := NewKernelSpace(m, fa, MemoryMap{}, zap.NewNop())
	require.NoError(t, err)
	return m, fa, ks
}

func TestAddressSpace_MapTranslateUnmap(t *testing.T) {
	_, fa, s := pagingEnv(t, 64*1024)

	frame, ok := fa.Allocate()
	require.True(t, ok)
	page := hw.VirtAddr(0x400000)

	require.NoError(t, s.Map(page, frame, PermsUserData))

	got, perms, err := s.Translate(page)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Equal(t, PermsUserData, perms)

	freed, err := s.Unmap(page)
	require.NoError(t, err)
	assert.Equal(t, frame, freed)

	_, _, err = s.Translate(page)
	assert.ErrorIs(t, err, kerr.ErrNotMapped)

	_, err = s.Unmap(page)
	assert.ErrorIs(t, err, kerr.ErrNotMapped)
}

func TestAddressSpace_AlreadyMappedKeepsOriginal(t *testing.T) {
	_, fa, s := pagingEnv(t, 64*1024)

	first, ok := fa.Allocate()
	require.True(t, ok)
	second, ok := fa.Allocate()
	require.True(t, ok)
	page := hw.VirtAddr(0x400000)

	require.NoError(t, s.Map(page, first, PermsUserData))
	err := s.Map(page, second, PermsUserCode)
	assert.ErrorIs(t, err, kerr.ErrAlreadyMapped)

	got, perms, err := s.Translate(page)
	require.NoError(t, err)
	assert.Equal(t, first, got, "failed map must not disturb the existing entry")
	assert.Equal(t, PermsUserData, perms)
}

func TestAddressSpace_BadAddresses(t *testing.T) {
	_, fa, s := pagingEnv(t, 64*1024)
	frame, ok := fa.Allocate()
	require.True(t, ok)

	err := s.Map(hw.VirtAddr(0x400008), frame, PermsUserData)
	assert.ErrorIs(t, err, kerr.ErrAlignment)

	// First address past the lower half, below the kernel base: a hole in
	// the canonical space.
	err = s.Map(hw.VirtAddr(1)<<47, frame, PermsUserData)
	assert.ErrorIs(t, err, kerr.ErrInvalidAddress)

	_, _, err = s.Translate(hw.VirtAddr(1) << 50)
	assert.ErrorIs(t, err, kerr.ErrInvalidAddress)
}

func TestUserSpace_SharesKernelHalf(t *testing.T) {
	physSize := uint64(0x300000)
	m, fa := testAllocator(t, []MemoryRegion{
		{Start: 0x100000, Size: 0x1000, Kind: RegionKernelCode},
		{Start: 0x101000, Size: 0x1000, Kind: RegionKernelData},
		{Start: 0x110000, Size: 0x80000, Kind: RegionUsable},
	}, physSize)
	ks, err := NewKernelSpace(m, fa, MemoryMap{Regions: []MemoryRegion{
		{Start: 0x100000, Size: 0x1000, Kind: RegionKernelCode},
		{Start: 0x101000, Size: 0x1000, Kind: RegionKernelData},
	}}, zap.NewNop())
	require.NoError(t, err)

	us, err := NewUserSpace(m, fa, ks, zap.NewNop())
	require.NoError(t, err)

	// The kernel image is reachable through the user space's root.
	codePage := KernelBase + 0x100000
	frame, perms, err := us.Translate(codePage)
	require.NoError(t, err)
	assert.Equal(t, hw.PhysFrame(0x100000), frame)
	assert.True(t, perms.Executable)
	assert.False(t, perms.Writable)
	assert.False(t, perms.User)

	dataPage := KernelBase + 0x101000
	_, perms, err = us.Translate(dataPage)
	require.NoError(t, err)
	assert.True(t, perms.Writable)
	assert.False(t, perms.Executable)

	// The lower half starts empty.
	_, _, err = us.Translate(0x400000)
	assert.ErrorIs(t, err, kerr.ErrNotMapped)
}

func TestAddressSpace_CopyRoundTrip(t *testing.T) {
	_, fa, s := pagingEnv(t, 128*1024)

	// Two consecutive pages so the copy crosses a page boundary.
	base := hw.VirtAddr(0x400000)
	for i := 0; i < 2; i++ {
		f, ok := fa.Allocate()
		require.True(t, ok)
		require.NoError(t, s.Map(base+hw.VirtAddr(i)*hw.PageSize, f, PermsUserData))
	}

	payload := bytes.Repeat([]byte("nucleus"), 700)
	va := base + hw.PageSize - 100
	require.NoError(t, s.CopyOut(va, payload))

	got, err := s.CopyIn(va, uint64(len(payload)))
	require.NoError(t, err)
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Fatalf("copy round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAddressSpace_CopyOutReadOnlyPage(t *testing.T) {
	_, fa, s := pagingEnv(t, 64*1024)

	f, ok := fa.Allocate()
	require.True(t, ok)
	page := hw.VirtAddr(0x400000)
	require.NoError(t, s.Map(page, f, PermsUserCode))

	err := s.CopyOut(page+16, []byte("no"))
	assert.ErrorIs(t, err, kerr.ErrInvalidAddress)

	// Reads through the same page still work.
	_, err = s.CopyIn(page, 32)
	assert.NoError(t, err)
}

func TestAddressSpace_ReleaseReturnsEveryFrame(t *testing.T) {
	m, fa, ks := pagingEnv(t, 256*1024)

	before := fa.Stats().FreeFrames
	us, err := NewUserSpace(m, fa, ks, zap.NewNop())
	require.NoError(t, err)

	// Spread mappings across distinct level-2 subtrees.
	for i := 0; i < 4; i++ {
		f, ok := fa.Allocate()
		require.True(t, ok)
		page := hw.VirtAddr(0x400000) + hw.VirtAddr(i)<<21
		require.NoError(t, us.Map(page, f, PermsUserData))
	}
	require.Less(t, fa.Stats().FreeFrames, before)

	us.Release()
	assert.Equal(t, before, fa.Stats().FreeFrames,
		"release must return leaf frames, table frames, and the root")
}

func TestAddressSpace_MapFailsWhenTablesExhaustPool(t *testing.T) {
	// Room for the root and one leaf only; the walk cannot build three
	// intermediate tables.
	_, fa, s := pagingEnv(t, 2*hw.PageSize)

	leaf, ok := fa.Allocate()
	require.True(t, ok)
	err := s.Map(hw.VirtAddr(0x400000), leaf, PermsUserData)
	assert.ErrorIs(t, err, kerr.ErrOutOfMemory)
}

func TestAddressSpace_ActiveTranslationCaching(t *testing.T) {
	m, fa, s := pagingEnv(t, 64*1024)
	s.Activate()

	f, ok := fa.Allocate()
	require.True(t, ok)
	page := hw.VirtAddr(0x400000)
	require.NoError(t, s.Map(page, f, PermsUserData))

	_, ok = m.TLBLookup(page)
	assert.False(t, ok, "nothing cached before the first translation")

	_, _, err := s.Translate(page)
	require.NoError(t, err)
	e, ok := m.TLBLookup(page)
	require.True(t, ok)
	assert.Equal(t, f, e.Frame)

	_, err = s.Unmap(page)
	require.NoError(t, err)
	_, ok = m.TLBLookup(page)
	assert.False(t, ok, "unmap must invalidate the cached translation")
}

package mem

import (
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
)

// FrameSize is the physical allocation granularity.
const FrameSize = hw.PageSize

// FrameAllocator hands out 4 KiB physical frames from the usable regions of
// the boot memory map. Free frames form an intrusive list: each free frame's
// first word holds the address of the next free frame, so the allocator's
// own bookkeeping costs two bitmaps and a head pointer.
//
// Frame 0 stays out of the pool so the null frame never aliases real memory.
type FrameAllocator struct {
	m *hw.Machine

	freeHead  hw.PhysAddr // 0 = empty list
	freeCount uint64
	total     uint64

	// managed marks frames that belong to this allocator's pool at all;
	// live marks frames currently handed out. Free checks both: returning
	// a foreign or already-free frame is a kernel bug.
	managed []uint64
	live    []uint64

	log *zap.Logger
}

// FrameStats is a point-in-time view of the pool.
type FrameStats struct {
	TotalFrames uint64
	FreeFrames  uint64
	LiveFrames  uint64
}

// NewFrameAllocator seeds the pool from every Usable region of the map,
// excluding any sub-range claimed by a KernelCode or KernelData region.
// Fails with ErrOutOfMemory when no frame survives the exclusions.
func NewFrameAllocator(m *hw.Machine, mmap MemoryMap, log *zap.Logger) (*FrameAllocator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	numFrames := m.PhysSize() / FrameSize
	fa := &FrameAllocator{
		m:       m,
		managed: make([]uint64, (numFrames+63)/64),
		live:    make([]uint64, (numFrames+63)/64),
		log:     log,
	}

	claimed := append(mmap.KindRegions(RegionKernelCode), mmap.KindRegions(RegionKernelData)...)
	for _, r := range mmap.KindRegions(RegionUsable) {
		// Frames must lie wholly inside the region.
		start := (uint64(r.Start) + FrameSize - 1) &^ (FrameSize - 1)
		for addr := start; addr+FrameSize <= uint64(r.End()); addr += FrameSize {
			if addr == 0 {
				continue
			}
			frame := MemoryRegion{Start: hw.PhysAddr(addr), Size: FrameSize}
			reserved := false
			for _, c := range claimed {
				if frame.Overlaps(c) {
					reserved = true
					break
				}
			}
			if reserved {
				continue
			}
			fa.setBit(fa.managed, hw.PhysAddr(addr))
			fa.push(hw.PhysAddr(addr))
			fa.total++
		}
	}

	if fa.total == 0 {
		return nil, kerr.Wrap(kerr.ErrOutOfMemory, "no usable frames in boot memory map")
	}
	log.Info("frame allocator seeded",
		zap.Uint64("frames", fa.total),
		zap.Uint64("bytes", fa.total*FrameSize))
	return fa, nil
}

// Allocate removes and returns one free frame. The second return is false
// when the pool is exhausted. Allocation order is unspecified.
func (fa *FrameAllocator) Allocate() (hw.PhysFrame, bool) {
	if fa.freeHead == 0 {
		return 0, false
	}
	addr := fa.freeHead
	fa.freeHead = hw.PhysAddr(fa.m.ReadWord(addr))
	fa.freeCount--
	fa.setBit(fa.live, addr)
	return hw.PhysFrame(addr), true
}

// Free returns a frame to the pool. A frame that is misaligned, foreign to
// this allocator, or not currently live indicates a kernel bug; the contract
// makes that fatal rather than recoverable.
func (fa *FrameAllocator) Free(f hw.PhysFrame) {
	addr := f.Addr()
	if uint64(addr)%FrameSize != 0 {
		panic("mem: Free of misaligned frame")
	}
	if !fa.getBit(fa.managed, addr) {
		panic("mem: Free of frame outside allocator pool")
	}
	if !fa.getBit(fa.live, addr) {
		panic("mem: double free of physical frame")
	}
	fa.clearBit(fa.live, addr)
	fa.push(addr)
}

// Live reports whether the allocator considers a frame handed out.
func (fa *FrameAllocator) Live(f hw.PhysFrame) bool {
	return fa.getBit(fa.live, f.Addr())
}

// Stats returns pool counters.
func (fa *FrameAllocator) Stats() FrameStats {
	return FrameStats{
		TotalFrames: fa.total,
		FreeFrames:  fa.freeCount,
		LiveFrames:  fa.total - fa.freeCount,
	}
}

func (fa *FrameAllocator) push(addr hw.PhysAddr) {
	fa.m.WriteWord(addr, uint64(fa.freeHead))
	fa.freeHead = addr
	fa.freeCount++
}

func (fa *FrameAllocator) setBit(bm []uint64, addr hw.PhysAddr) {
	i := uint64(addr) / FrameSize
	bm[i/64] |= 1 << (i % 64)
}

func (fa *FrameAllocator) clearBit(bm []uint64, addr hw.PhysAddr) {
	i := uint64(addr) / FrameSize
	bm[i/64] &^= 1 << (i % 64)
}

func (fa *FrameAllocator) getBit(bm []uint64, addr hw.PhysAddr) bool {
	i := uint64(addr) / FrameSize
	if i/64 >= uint64(len(bm)) {
		return false
	}
	return bm[i/64]&(1<<(i%64)) != 0
}

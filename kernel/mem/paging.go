package mem

import (
	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
)

// Four-level paging, 9 bits per level, 4 KiB pages: the long-mode shape.
// Entries are 64-bit words written into table frames in physical memory.
const (
	entriesPerTable = 512

	pteBitPresent  = 1 << 0
	pteBitWritable = 1 << 1
	pteBitUser     = 1 << 2
	pteBitNoExec   = 1 << 63
	pteFrameMask   = 0x000ffffffffff000

	// KernelBase is where the kernel's higher-half mapping begins. Root
	// entries at or above kernelRootIndex belong to the kernel half and
	// are shared into every user space.
	KernelBase      hw.VirtAddr = 0xffff_8000_0000_0000
	kernelRootIndex             = 256

	lowerHalfLimit = hw.VirtAddr(1) << 47
)

// PagePerms are the permission attributes of one leaf mapping.
type PagePerms struct {
	Writable   bool
	User       bool
	Executable bool
}

// Kernel permission presets.
var (
	PermsKernelCode = PagePerms{Executable: true}
	PermsKernelData = PagePerms{Writable: true}
	PermsUserCode   = PagePerms{User: true, Executable: true}
	PermsUserData   = PagePerms{User: true, Writable: true}
)

func encodeEntry(f hw.PhysFrame, p PagePerms) uint64 {
	e := uint64(f.Addr())&pteFrameMask | pteBitPresent
	if p.Writable {
		e |= pteBitWritable
	}
	if p.User {
		e |= pteBitUser
	}
	if !p.Executable {
		e |= pteBitNoExec
	}
	return e
}

func decodePerms(e uint64) PagePerms {
	return PagePerms{
		Writable:   e&pteBitWritable != 0,
		User:       e&pteBitUser != 0,
		Executable: e&pteBitNoExec == 0,
	}
}

func entryFrame(e uint64) hw.PhysFrame { return hw.PhysFrame(e & pteFrameMask) }

func canonical(va hw.VirtAddr) bool {
	return va < lowerHalfLimit || va >= KernelBase
}

func tableIndex(va hw.VirtAddr, level int) uint64 {
	// level 4 = root. Shifts: L4=39, L3=30, L2=21, L1=12.
	shift := uint(12 + 9*(level-1))
	return (uint64(va) >> shift) & (entriesPerTable - 1)
}

// AddressSpace owns one page-table tree rooted at a single table frame.
// One instance exists per process, plus one for the kernel itself.
type AddressSpace struct {
	m     *hw.Machine
	alloc *FrameAllocator
	root  hw.PhysFrame
	log   *zap.Logger
}

// NewKernelSpace builds the kernel's own mapping: every KernelCode region
// readable+executable and every KernelData region readable+writable, both at
// KernelBase plus the physical address.
func NewKernelSpace(m *hw.Machine, alloc *FrameAllocator, mmap MemoryMap, log *zap.Logger) (*AddressSpace, error) {
	s, err := newEmptySpace(m, alloc, log)
	if err != nil {
		return nil, kerr.Wrap(err, "kernel space root")
	}
	for _, r := range mmap.KindRegions(RegionKernelCode) {
		if err := s.mapRegion(r, PermsKernelCode); err != nil {
			return nil, kerr.Wrap(err, "mapping kernel code")
		}
	}
	for _, r := range mmap.KindRegions(RegionKernelData) {
		if err := s.mapRegion(r, PermsKernelData); err != nil {
			return nil, kerr.Wrap(err, "mapping kernel data")
		}
	}
	return s, nil
}

// NewUserSpace builds an empty lower half sharing the kernel's upper-half
// root entries, so traps stay translatable while the process runs.
func NewUserSpace(m *hw.Machine, alloc *FrameAllocator, kernel *AddressSpace, log *zap.Logger) (*AddressSpace, error) {
	s, err := newEmptySpace(m, alloc, log)
	if err != nil {
		return nil, kerr.Wrap(err, "user space root")
	}
	for i := kernelRootIndex; i < entriesPerTable; i++ {
		off := hw.PhysAddr(i * 8)
		s.m.WriteWord(s.root.Addr()+off, s.m.ReadWord(kernel.root.Addr()+off))
	}
	return s, nil
}

func newEmptySpace(m *hw.Machine, alloc *FrameAllocator, log *zap.Logger) (*AddressSpace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	root, ok := alloc.Allocate()
	if !ok {
		return nil, kerr.ErrOutOfMemory
	}
	m.ZeroFrame(root)
	return &AddressSpace{m: m, alloc: alloc, root: root, log: log}, nil
}

// Root returns the root table frame.
func (s *AddressSpace) Root() hw.PhysFrame { return s.root }

// Activate installs this space as the one the machine translates through.
// The only operation here with a global side effect; the scheduler invokes
// it exactly at context-switch time.
func (s *AddressSpace) Activate() {
	s.m.SetRootTable(s.root)
}

func (s *AddressSpace) active() bool {
	r, ok := s.m.RootTable()
	return ok && r == s.root
}

// Map installs a leaf entry for page -> frame, creating intermediate tables
// on demand. Fails with ErrAlreadyMapped when the page has a present entry;
// the existing mapping is left untouched.
func (s *AddressSpace) Map(page hw.VirtAddr, frame hw.PhysFrame, perms PagePerms) error {
	if err := checkPage(page); err != nil {
		return err
	}
	entryAddr, err := s.walk(page, true)
	if err != nil {
		return err
	}
	if s.m.ReadWord(entryAddr)&pteBitPresent != 0 {
		return kerr.Wrapf(kerr.ErrAlreadyMapped, "page %#x", page)
	}
	s.m.WriteWord(entryAddr, encodeEntry(frame, perms))
	return nil
}

// Unmap clears the leaf entry for page, invalidates any cached translation,
// and returns the formerly mapped frame to the caller. The caller decides
// whether the frame goes back to the allocator or is repurposed.
func (s *AddressSpace) Unmap(page hw.VirtAddr) (hw.PhysFrame, error) {
	if err := checkPage(page); err != nil {
		return 0, err
	}
	entryAddr, err := s.walk(page, false)
	if err != nil {
		return 0, err
	}
	e := s.m.ReadWord(entryAddr)
	if e&pteBitPresent == 0 {
		return 0, kerr.Wrapf(kerr.ErrNotMapped, "page %#x", page)
	}
	s.m.WriteWord(entryAddr, 0)
	if s.active() {
		s.m.InvalidatePage(page)
	}
	return entryFrame(e), nil
}

// Translate resolves one page to its frame and permissions. When this space
// is active the machine's translation cache is consulted and filled.
func (s *AddressSpace) Translate(page hw.VirtAddr) (hw.PhysFrame, PagePerms, error) {
	if err := checkPage(page); err != nil {
		return 0, PagePerms{}, err
	}
	if s.active() {
		if e, ok := s.m.TLBLookup(page); ok {
			return e.Frame, PagePerms{Writable: e.Writable, User: e.User, Executable: !e.NoExec}, nil
		}
	}
	entryAddr, err := s.walk(page, false)
	if err != nil {
		return 0, PagePerms{}, err
	}
	e := s.m.ReadWord(entryAddr)
	if e&pteBitPresent == 0 {
		return 0, PagePerms{}, kerr.Wrapf(kerr.ErrNotMapped, "page %#x", page)
	}
	perms := decodePerms(e)
	if s.active() {
		s.m.TLBInsert(page, hw.TLBEntry{
			Frame:    entryFrame(e),
			Writable: perms.Writable,
			User:     perms.User,
			NoExec:   !perms.Executable,
		})
	}
	return entryFrame(e), perms, nil
}

// CopyIn reads n bytes at a user virtual address through this space's
// translation, page by page.
func (s *AddressSpace) CopyIn(va hw.VirtAddr, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		page := va &^ (hw.PageSize - 1)
		frame, _, err := s.Translate(page)
		if err != nil {
			return nil, kerr.Wrapf(err, "user read at %#x", va)
		}
		off := uint64(va - page)
		chunk := min(n, hw.PageSize-off)
		out = append(out, s.m.ReadBytes(frame.Addr()+hw.PhysAddr(off), chunk)...)
		va += hw.VirtAddr(chunk)
		n -= chunk
	}
	return out, nil
}

// CopyOut writes data at a user virtual address. Every touched page must be
// mapped writable.
func (s *AddressSpace) CopyOut(va hw.VirtAddr, data []byte) error {
	for len(data) > 0 {
		page := va &^ (hw.PageSize - 1)
		frame, perms, err := s.Translate(page)
		if err != nil {
			return kerr.Wrapf(err, "user write at %#x", va)
		}
		if !perms.Writable {
			return kerr.Wrapf(kerr.ErrInvalidAddress, "write to read-only page %#x", page)
		}
		off := uint64(va - page)
		chunk := min(uint64(len(data)), hw.PageSize-off)
		s.m.WriteBytes(frame.Addr()+hw.PhysAddr(off), data[:chunk])
		va += hw.VirtAddr(chunk)
		data = data[chunk:]
	}
	return nil
}

// Release walks the lower half of the tree and returns every leaf frame and
// intermediate table frame, then the root, to the allocator. The shared
// kernel half is left alone; those subtrees belong to the kernel space.
func (s *AddressSpace) Release() {
	for i := 0; i < kernelRootIndex; i++ {
		s.releaseSubtree(s.root, i, 4)
	}
	s.alloc.Free(s.root)
	s.root = 0
}

func (s *AddressSpace) releaseSubtree(table hw.PhysFrame, idx, level int) {
	entryAddr := table.Addr() + hw.PhysAddr(idx*8)
	e := s.m.ReadWord(entryAddr)
	if e&pteBitPresent == 0 {
		return
	}
	child := entryFrame(e)
	if level > 1 {
		for i := 0; i < entriesPerTable; i++ {
			s.releaseSubtree(child, i, level-1)
		}
	}
	s.m.WriteWord(entryAddr, 0)
	// Leaf frames the allocator never issued (device windows and the like)
	// stay where they are.
	if s.alloc.Live(child) {
		s.alloc.Free(child)
	}
}

// walk returns the physical address of the leaf entry word for page. With
// create set, missing intermediate tables are allocated and linked; a fresh
// table is zeroed before it becomes reachable, so a walk never observes a
// half-built level.
func (s *AddressSpace) walk(page hw.VirtAddr, create bool) (hw.PhysAddr, error) {
	table := s.root
	for level := 4; level > 1; level-- {
		entryAddr := table.Addr() + hw.PhysAddr(tableIndex(page, level)*8)
		e := s.m.ReadWord(entryAddr)
		if e&pteBitPresent == 0 {
			if !create {
				return 0, kerr.Wrapf(kerr.ErrNotMapped, "page %#x (level %d)", page, level)
			}
			next, ok := s.alloc.Allocate()
			if !ok {
				return 0, kerr.Wrapf(kerr.ErrOutOfMemory, "level-%d table for page %#x", level-1, page)
			}
			s.m.ZeroFrame(next)
			s.m.WriteWord(entryAddr, encodeEntry(next, PagePerms{Writable: true, User: true}))
			table = next
			continue
		}
		next := entryFrame(e)
		if uint64(next.Addr())+hw.PageSize > s.m.PhysSize() {
			// A table entry pointing outside physical memory means the
			// tree itself is damaged. For the active space there is no
			// recovery from that.
			if s.active() {
				s.m.Halt("page table corruption",
					zap.Uint64("page", uint64(page)),
					zap.Int("level", level),
					zap.Uint64("entry", e))
			}
			return 0, kerr.Wrapf(kerr.ErrInvalidAddress, "corrupt level-%d entry for page %#x", level, page)
		}
		table = next
	}
	return table.Addr() + hw.PhysAddr(tableIndex(page, 1)*8), nil
}

func (s *AddressSpace) mapRegion(r MemoryRegion, perms PagePerms) error {
	for off := uint64(0); off < r.Size; off += hw.PageSize {
		pa := r.Start + hw.PhysAddr(off)
		if err := s.Map(KernelBase+hw.VirtAddr(pa), hw.PhysFrame(pa), perms); err != nil {
			return err
		}
	}
	return nil
}

func checkPage(page hw.VirtAddr) error {
	if uint64(page)%hw.PageSize != 0 {
		return kerr.Wrapf(kerr.ErrAlignment, "address %#x", page)
	}
	if !canonical(page) {
		return kerr.Wrapf(kerr.ErrInvalidAddress, "non-canonical address %#x", page)
	}
	return nil
}

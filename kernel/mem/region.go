// Package mem owns physical memory: the boot memory map, the frame
// allocator, and per-process address spaces with their page tables.
package mem

import (
	"fmt"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
)

// RegionKind classifies one range of the boot memory map.
type RegionKind int

const (
	RegionUsable RegionKind = iota
	RegionReserved
	RegionAcpiReclaimable
	RegionKernelCode
	RegionKernelData
	RegionDevice
	RegionBad
)

var regionKindNames = map[RegionKind]string{
	RegionUsable:          "usable",
	RegionReserved:        "reserved",
	RegionAcpiReclaimable: "acpi-reclaimable",
	RegionKernelCode:      "kernel-code",
	RegionKernelData:      "kernel-data",
	RegionDevice:          "device",
	RegionBad:             "bad",
}

func (k RegionKind) String() string {
	if s, ok := regionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("region-kind(%d)", int(k))
}

// MemoryRegion is one contiguous physical range reported by the platform
// bring-up. Built once at boot, immutable afterward.
type MemoryRegion struct {
	Start hw.PhysAddr
	Size  uint64
	Kind  RegionKind
}

// End returns the first address past the region.
func (r MemoryRegion) End() hw.PhysAddr { return r.Start + hw.PhysAddr(r.Size) }

// Contains reports whether addr falls inside the region.
func (r MemoryRegion) Contains(addr hw.PhysAddr) bool {
	return addr >= r.Start && addr < r.End()
}

// Overlaps reports whether two regions share any byte.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// MemoryMap is the validated boot memory map.
type MemoryMap struct {
	Regions     []MemoryRegion
	TotalBytes  uint64
	UsableBytes uint64
}

// kernelClaim reports whether the pair is a kernel image region overlaying a
// usable range. Platform maps report where RAM is; the kernel regions say
// which part of it the image already occupies. That one overlap is the claim
// the frame allocator honors, not an anomaly.
func kernelClaim(a, b MemoryRegion) bool {
	claims := func(k RegionKind) bool { return k == RegionKernelCode || k == RegionKernelData }
	return (a.Kind == RegionUsable && claims(b.Kind)) || (b.Kind == RegionUsable && claims(a.Kind))
}

// ValidateMemoryMap checks the platform-supplied region list. Overlapping
// regions are a boot anomaly that is reported, never merged; the one
// exception is a KernelCode/KernelData region claiming part of a Usable
// range. physSize bounds the machine's arena; regions past it are rejected.
func ValidateMemoryMap(regions []MemoryRegion, physSize uint64) (MemoryMap, error) {
	mm := MemoryMap{Regions: regions}
	for i, r := range regions {
		if r.Size == 0 {
			return MemoryMap{}, kerr.Wrapf(kerr.ErrBadMemoryMap, "region %d (%s) has zero size", i, r.Kind)
		}
		if uint64(r.Start)+r.Size < uint64(r.Start) || uint64(r.End()) > physSize {
			return MemoryMap{}, kerr.Wrapf(kerr.ErrBadMemoryMap,
				"region %d (%s) [%#x,%#x) exceeds physical memory (%#x)", i, r.Kind, r.Start, r.End(), physSize)
		}
		for j := i + 1; j < len(regions); j++ {
			if r.Overlaps(regions[j]) && !kernelClaim(r, regions[j]) {
				return MemoryMap{}, kerr.Wrapf(kerr.ErrBadMemoryMap,
					"region %d (%s) overlaps region %d (%s)", i, r.Kind, j, regions[j].Kind)
			}
		}
		mm.TotalBytes += r.Size
		if r.Kind == RegionUsable {
			mm.UsableBytes += r.Size
		}
	}
	return mm, nil
}

// KindRegions returns the regions of one kind, in map order.
func (mm MemoryMap) KindRegions(kind RegionKind) []MemoryRegion {
	var out []MemoryRegion
	for _, r := range mm.Regions {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

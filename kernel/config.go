package kernel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nucleus-os/nucleus/kernel/hw"
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/mem"
)

// Config describes the machine and the kernel's tunables. The CLI loads it
// from YAML; tests use DefaultConfig.
type Config struct {
	PhysMemoryBytes    uint64         `yaml:"phys_memory_bytes"`
	TimeSliceTicks     uint32         `yaml:"time_slice_ticks"`
	ReadyQueueCapacity int            `yaml:"ready_queue_capacity"`
	MemoryMap          []RegionConfig `yaml:"memory_map"`
}

// RegionConfig is one entry of the platform memory map.
type RegionConfig struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
	Kind  string `yaml:"kind"`
}

var regionKinds = map[string]mem.RegionKind{
	"usable":           mem.RegionUsable,
	"reserved":         mem.RegionReserved,
	"acpi-reclaimable": mem.RegionAcpiReclaimable,
	"kernel-code":      mem.RegionKernelCode,
	"kernel-data":      mem.RegionKernelData,
	"device":           mem.RegionDevice,
	"bad":              mem.RegionBad,
}

// DefaultConfig is a 16 MiB machine with the kernel image below 3 MiB.
func DefaultConfig() Config {
	return Config{
		PhysMemoryBytes:    16 << 20,
		TimeSliceTicks:     5,
		ReadyQueueCapacity: 64,
		MemoryMap: []RegionConfig{
			{Start: 0x0000_0000, Size: 0x0010_0000, Kind: "reserved"}, // low memory, firmware
			{Start: 0x0010_0000, Size: 0x0010_0000, Kind: "kernel-code"},
			{Start: 0x0020_0000, Size: 0x0010_0000, Kind: "kernel-data"},
			{Start: 0x0030_0000, Size: 13 << 20, Kind: "usable"},
		},
	}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	cfg.MemoryMap = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.MemoryMap) == 0 {
		cfg.MemoryMap = DefaultConfig().MemoryMap
	}
	return cfg, nil
}

// Regions converts the configured map into boot memory regions.
func (c Config) Regions() ([]mem.MemoryRegion, error) {
	out := make([]mem.MemoryRegion, 0, len(c.MemoryMap))
	for i, rc := range c.MemoryMap {
		kind, ok := regionKinds[rc.Kind]
		if !ok {
			return nil, kerr.Wrapf(kerr.ErrBadMemoryMap, "region %d: unknown kind %q", i, rc.Kind)
		}
		out = append(out, mem.MemoryRegion{
			Start: hw.PhysAddr(rc.Start),
			Size:  rc.Size,
			Kind:  kind,
		})
	}
	return out, nil
}

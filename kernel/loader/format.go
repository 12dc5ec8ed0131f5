// Package loader classifies executable images by their leading bytes. It
// sits outside the privileged core; the core only ever sees the resulting
// format tag.
package loader

import "bytes"

// Format is an executable image format tag.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatMachO
	FormatScript
)

var formatNames = map[Format]string{
	FormatUnknown: "unknown",
	FormatELF:     "ELF",
	FormatPE:      "PE",
	FormatMachO:   "Mach-O",
	FormatScript:  "script",
}

func (f Format) String() string { return formatNames[f] }

var machoMagics = [][]byte{
	{0xFE, 0xED, 0xFA, 0xCE},
	{0xFE, 0xED, 0xFA, 0xCF},
	{0xCE, 0xFA, 0xED, 0xFE},
	{0xCF, 0xFA, 0xED, 0xFE},
}

// Detect is a pure byte-pattern matcher over an image header.
func Detect(header []byte) Format {
	switch {
	case isELF(header):
		return FormatELF
	case isPE(header):
		return FormatPE
	case isMachO(header):
		return FormatMachO
	case bytes.HasPrefix(header, []byte("#!")):
		return FormatScript
	}
	return FormatUnknown
}

func isELF(h []byte) bool {
	if !bytes.HasPrefix(h, []byte{0x7F, 'E', 'L', 'F'}) {
		return false
	}
	// e_type must be ET_EXEC or ET_DYN for a loadable image.
	if len(h) > 16 {
		return h[16] == 0x02 || h[16] == 0x03
	}
	return false
}

func isPE(h []byte) bool {
	// MZ stub, then "PE\0\0" at the offset stored at 0x3C.
	if !bytes.HasPrefix(h, []byte{'M', 'Z'}) || len(h) <= 0x3C {
		return false
	}
	off := int(h[0x3C])
	return off+4 <= len(h) && bytes.Equal(h[off:off+4], []byte{'P', 'E', 0, 0})
}

func isMachO(h []byte) bool {
	for _, m := range machoMagics {
		if bytes.HasPrefix(h, m) {
			return true
		}
	}
	return false
}

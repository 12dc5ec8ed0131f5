package hw

// RegisterFile is one full set of general-purpose registers, the unit a
// context switch saves and restores. Field names follow the x86-64 long mode
// convention the rest of the kernel assumes for its syscall ABI.
type RegisterFile struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	RSP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	RIP    uint64
	RFLAGS uint64
}

// SyscallNumber returns the register carrying the syscall identifier.
func (r *RegisterFile) SyscallNumber() uint64 { return r.RAX }

// SyscallArgs returns the six argument registers in ABI order.
func (r *RegisterFile) SyscallArgs() [6]uint64 {
	return [6]uint64{r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9}
}

// SetSyscallReturn writes the designated return-value register.
func (r *RegisterFile) SetSyscallReturn(v uint64) { r.RAX = v }

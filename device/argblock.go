package device

import (
	"unsafe"
)

// ArgBlock is the ABI-required kernel argument block: one pointer-sized
// slot per parameter, in signature order. The driver receives the
// per-slot addresses, so slot storage must stay stable for the block's
// lifetime. Capacity is fixed to the signature's parameter count; the
// block is built once per signature and refilled per call.
type ArgBlock struct {
	slots []uint64
	ptrs  []unsafe.Pointer
}

// NewArgBlock creates a block with n slots.
func NewArgBlock(n int) *ArgBlock {
	b := &ArgBlock{
		slots: make([]uint64, n),
		ptrs:  make([]unsafe.Pointer, n),
	}
	for i := range b.slots {
		b.ptrs[i] = unsafe.Pointer(&b.slots[i])
	}
	return b
}

// Len returns the number of slots.
func (b *ArgBlock) Len() int { return len(b.slots) }

// SetPointer stores a device address in slot i.
func (b *ArgBlock) SetPointer(i int, p Ptr) { b.slots[i] = uint64(p) }

// SetScalar stores raw scalar bits in slot i.
func (b *ArgBlock) SetScalar(i int, bits uint64) { b.slots[i] = bits }

// Slot returns the current contents of slot i.
func (b *ArgBlock) Slot(i int) uint64 { return b.slots[i] }

// Pointers returns the per-slot addresses in signature order, the form
// kernel launch APIs consume.
func (b *ArgBlock) Pointers() []unsafe.Pointer { return b.ptrs }

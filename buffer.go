package fakefuse

import "unsafe"

// buffer provides a mechanism for constructing a response message
// from a header and fixed-size payload segments.
type buffer []byte

// alloc allocates size bytes and returns a pointer to the new
// segment.
func (w *buffer) alloc(size uintptr) unsafe.Pointer {
	s := int(size)
	if len(*w)+s > cap(*w) {
		old := *w
		*w = make([]byte, len(*w), 2*cap(*w)+s)
		copy(*w, old)
	}
	l := len(*w)
	*w = (*w)[:l+s]
	return unsafe.Pointer(&(*w)[l])
}

func newBuffer(extra uintptr) buffer {
	const hdrSize = unsafe.Sizeof(OutHeader{})
	buf := make(buffer, hdrSize, hdrSize+extra)
	return buf
}

// A MemBlock locates one captured or canned message inside a
// MemBuffer: the opcode it was stored under and its span in the
// backing store. Blocks are never mutated after AddRecord returns
// them.
type MemBlock struct {
	Opcode OpCode
	Offset int
	Len    int
}

// A MemBuffer owns an append-only byte store, the ordered sequence of
// records added to it, and a forward-only replay cursor. Offsets are
// assigned by AddRecord only, so every block is in bounds by
// construction.
type MemBuffer struct {
	data   []byte
	blocks []MemBlock
	cursor int
}

// AddRecord appends msg to the backing store and records its span
// under opcode.
func (b *MemBuffer) AddRecord(opcode OpCode, msg []byte) MemBlock {
	blk := MemBlock{
		Opcode: opcode,
		Offset: len(b.data),
		Len:    len(msg),
	}
	b.data = append(b.data, msg...)
	b.blocks = append(b.blocks, blk)
	return blk
}

// Next returns the record at the replay cursor and advances the
// cursor. Callers must gate on AtEnd; advancing past the end is a
// protocol bug.
func (b *MemBuffer) Next() MemBlock {
	if b.cursor >= len(b.blocks) {
		panic("fakefuse: replay cursor advanced past end of MemBuffer")
	}
	blk := b.blocks[b.cursor]
	b.cursor++
	return blk
}

// AtEnd reports whether the replay cursor has consumed every record.
func (b *MemBuffer) AtEnd() bool {
	return b.cursor >= len(b.blocks)
}

// RemainingCount returns the number of records not yet replayed.
func (b *MemBuffer) RemainingCount() int {
	return len(b.blocks) - b.cursor
}

// UsedBytes returns the total number of message bytes ever added,
// independent of how far replay has advanced.
func (b *MemBuffer) UsedBytes() int {
	return len(b.data)
}

// DataAt returns the n bytes of backing store starting at offset.
// Offset and length come from a MemBlock of this buffer.
func (b *MemBuffer) DataAt(offset, n int) []byte {
	return b.data[offset : offset+n]
}

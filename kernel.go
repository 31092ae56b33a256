package fakefuse

import (
	"bytes"
	"fmt"
	"syscall"
	"unsafe"
)

// An OpCode identifies the operation kind of a FUSE message. The
// values are the kernel's FUSE_* opcode numbers.
type OpCode uint32

const (
	OpLookup      OpCode = 1
	OpForget      OpCode = 2
	OpGetattr     OpCode = 3
	OpSetattr     OpCode = 4
	OpReadlink    OpCode = 5
	OpSymlink     OpCode = 6
	OpMknod       OpCode = 8
	OpMkdir       OpCode = 9
	OpUnlink      OpCode = 10
	OpRmdir       OpCode = 11
	OpRename      OpCode = 12
	OpLink        OpCode = 13
	OpOpen        OpCode = 14
	OpRead        OpCode = 15
	OpWrite       OpCode = 16
	OpStatfs      OpCode = 17
	OpRelease     OpCode = 18
	OpFsync       OpCode = 20
	OpSetxattr    OpCode = 21
	OpGetxattr    OpCode = 22
	OpListxattr   OpCode = 23
	OpRemovexattr OpCode = 24
	OpFlush       OpCode = 25
	OpInit        OpCode = 26
	OpOpendir     OpCode = 27
	OpReaddir     OpCode = 28
	OpReleasedir  OpCode = 29
	OpFsyncdir    OpCode = 30
	OpAccess      OpCode = 34
	OpCreate      OpCode = 35
	OpInterrupt   OpCode = 36
	OpDestroy     OpCode = 38
	OpFallocate   OpCode = 43
	OpReaddirplus OpCode = 44
)

var opCodeNames = map[OpCode]string{
	OpLookup:      "Lookup",
	OpForget:      "Forget",
	OpGetattr:     "Getattr",
	OpSetattr:     "Setattr",
	OpReadlink:    "Readlink",
	OpSymlink:     "Symlink",
	OpMknod:       "Mknod",
	OpMkdir:       "Mkdir",
	OpUnlink:      "Unlink",
	OpRmdir:       "Rmdir",
	OpRename:      "Rename",
	OpLink:        "Link",
	OpOpen:        "Open",
	OpRead:        "Read",
	OpWrite:       "Write",
	OpStatfs:      "Statfs",
	OpRelease:     "Release",
	OpFsync:       "Fsync",
	OpSetxattr:    "Setxattr",
	OpGetxattr:    "Getxattr",
	OpListxattr:   "Listxattr",
	OpRemovexattr: "Removexattr",
	OpFlush:       "Flush",
	OpInit:        "Init",
	OpOpendir:     "Opendir",
	OpReaddir:     "Readdir",
	OpReleasedir:  "Releasedir",
	OpFsyncdir:    "Fsyncdir",
	OpAccess:      "Access",
	OpCreate:      "Create",
	OpInterrupt:   "Interrupt",
	OpDestroy:     "Destroy",
	OpFallocate:   "Fallocate",
	OpReaddirplus: "Readdirplus",
}

func (o OpCode) String() string {
	if s, ok := opCodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// protoMajor is the FUSE protocol major version the fake server
// advertises during the handshake.
const protoMajor = 7

// minReadBuffer is FUSE_MIN_READ_BUFFER: every message on either
// channel fits in a read of this size.
const minReadBuffer = 8192

// InHeader is the fixed header the kernel prepends to every request.
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	Nodeid  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

const InHeaderSize = int(unsafe.Sizeof(InHeader{}))

// OutHeader is the fixed header on every response written back to the
// kernel. Error is a negated errno; Unique must echo the request.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const OutHeaderSize = int(unsafe.Sizeof(OutHeader{}))

// Attr is the wire form of file attributes.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

const AttrSize = int(unsafe.Sizeof(Attr{}))

// EntryOut is the payload of a Lookup response.
type EntryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

const EntryOutSize = int(unsafe.Sizeof(EntryOut{}))

// AttrOut is the payload of a Getattr response.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

const AttrOutSize = int(unsafe.Sizeof(AttrOut{}))

// InitIn is the payload of the kernel's Init request.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

const InitInSize = int(unsafe.Sizeof(InitIn{}))

// InitOut is the payload of the Init response.
type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	Padding             uint16
	Unused              [8]uint32
}

const InitOutSize = int(unsafe.Sizeof(InitOut{}))

// parseInHeader returns a view of the fixed header at the front of a
// device message.
func parseInHeader(msg []byte) (*InHeader, error) {
	if len(msg) < InHeaderSize {
		return nil, fmt.Errorf("fakefuse: message too short: %d bytes", len(msg))
	}
	return (*InHeader)(unsafe.Pointer(&msg[0])), nil
}

// patchUnique overwrites the unique id of a stored response in place,
// so a canned message can answer any request.
func patchUnique(msg []byte, unique uint64) {
	out := (*OutHeader)(unsafe.Pointer(&msg[0]))
	out.Unique = unique
}

// lookupName extracts the NUL-terminated path that follows the header
// of a Lookup request.
func lookupName(msg []byte) string {
	name := msg[InHeaderSize:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// newInitReply builds a minimal successful Init response: the fixed
// major version is enough to keep the kernel from refusing the
// connection.
func newInitReply(unique uint64) []byte {
	buf, out := newReply(unique, uintptr(InitOutSize))
	init := (*InitOut)(out)
	init.Major = protoMajor
	return buf
}

// newEntryReply builds the canned Lookup response registered for a
// path override. Everything except the node id and mode is a fixed
// placeholder.
func newEntryReply(nodeid uint64, mode uint32) []byte {
	buf, out := newReply(0, uintptr(EntryOutSize))
	entry := (*EntryOut)(out)
	entry.Nodeid = nodeid
	entry.Attr = Attr{
		Ino:     nodeid,
		Size:    512,
		Blocks:  4,
		Mode:    mode,
		Nlink:   2,
		Uid:     1234,
		Gid:     4321,
		Rdev:    12,
		Blksize: 4096,
	}
	return buf
}

// newErrorReply builds a header-only response carrying a negated
// errno, the generic answer for requests the session cannot match.
func newErrorReply(unique uint64, errno syscall.Errno) []byte {
	buf, _ := newReply(unique, 0)
	hdr := (*OutHeader)(unsafe.Pointer(&buf[0]))
	hdr.Error = -int32(errno)
	return buf
}

// newReply allocates a response message of header plus extra payload
// bytes, fills in the length and unique id, and returns the message
// along with a pointer to the payload (nil if extra is zero).
func newReply(unique uint64, extra uintptr) ([]byte, unsafe.Pointer) {
	buf := newBuffer(extra)
	var payload unsafe.Pointer
	if extra > 0 {
		payload = buf.alloc(extra)
	}
	hdr := (*OutHeader)(unsafe.Pointer(&buf[0]))
	hdr.Len = uint32(len(buf))
	hdr.Unique = unique
	return buf, payload
}

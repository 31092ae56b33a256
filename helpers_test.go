package fakefuse_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fakefuse/fakefuse"
)

// kernelConn plays the kernel's side of the device channel over a
// socketpair, so sessions can be exercised without a real mount.
type kernelConn struct {
	t *testing.T
	f *os.File
}

func (k *kernelConn) send(msg []byte) {
	k.t.Helper()
	_, err := k.f.Write(msg)
	require.NoError(k.t, err)
}

func (k *kernelConn) recv() []byte {
	k.t.Helper()
	buf := make([]byte, 8192)
	n, err := k.f.Read(buf)
	require.NoError(k.t, err)
	return buf[:n]
}

// startSession wires a fake device to a new server, performs the
// handshake from the kernel side, and verifies the Init reply.
func startSession(t *testing.T, report fakefuse.Reporter) (*fakefuse.Driver, *kernelConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	kern := &kernelConn{t: t, f: os.NewFile(uintptr(fds[0]), "fake-kernel")}
	dev := os.NewFile(uintptr(fds[1]), "fake-dev")
	t.Cleanup(func() {
		kern.f.Close()
		dev.Close()
	})

	const initUnique = 2
	kern.send(request(fakefuse.OpInit, initUnique, marshal(t, fakefuse.InitIn{
		Major: 7,
		Minor: 31,
	})))

	drv, err := fakefuse.Serve(dev, report)
	require.NoError(t, err)

	reply := kern.recv()
	var hdr fakefuse.OutHeader
	var init fakefuse.InitOut
	r := bytes.NewReader(reply)
	require.NoError(t, binary.Read(r, binary.NativeEndian, &hdr))
	require.NoError(t, binary.Read(r, binary.NativeEndian, &init))
	require.Equal(t, uint32(len(reply)), hdr.Len)
	require.Equal(t, int32(0), hdr.Error)
	require.Equal(t, uint64(initUnique), hdr.Unique)
	require.Equal(t, uint32(7), init.Major)

	return drv, kern
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, v))
	return buf.Bytes()
}

// request frames a kernel-to-server message: header plus payload.
func request(opcode fakefuse.OpCode, unique uint64, payload []byte) []byte {
	var buf bytes.Buffer
	hdr := fakefuse.InHeader{
		Len:    uint32(fakefuse.InHeaderSize + len(payload)),
		Opcode: uint32(opcode),
		Unique: unique,
		Nodeid: 1,
	}
	if err := binary.Write(&buf, binary.NativeEndian, hdr); err != nil {
		panic(err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

// response frames a canned server-to-kernel message the way a test's
// message encoder would: the unique id is left zero for the server to
// patch.
func response(errno int32, payload []byte) []byte {
	var buf bytes.Buffer
	hdr := fakefuse.OutHeader{
		Len:   uint32(fakefuse.OutHeaderSize + len(payload)),
		Error: errno,
	}
	if err := binary.Write(&buf, binary.NativeEndian, hdr); err != nil {
		panic(err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

// parseRequest splits a captured request into its header and payload.
func parseRequest(t *testing.T, msg []byte) (fakefuse.InHeader, []byte) {
	t.Helper()
	var hdr fakefuse.InHeader
	r := bytes.NewReader(msg)
	require.NoError(t, binary.Read(r, binary.NativeEndian, &hdr))
	return hdr, msg[fakefuse.InHeaderSize:]
}

// parseReply splits a received reply into its header and payload.
func parseReply(t *testing.T, msg []byte) (fakefuse.OutHeader, []byte) {
	t.Helper()
	var hdr fakefuse.OutHeader
	r := bytes.NewReader(msg)
	require.NoError(t, binary.Read(r, binary.NativeEndian, &hdr))
	return hdr, msg[fakefuse.OutHeaderSize:]
}

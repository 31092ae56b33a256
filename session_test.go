package fakefuse_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fakefuse/fakefuse"
)

func TestHandshake(t *testing.T) {
	drv, _ := startSession(t, t)
	require.NoError(t, drv.Close())
}

func TestServeHandshakeFailure(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	kern := os.NewFile(uintptr(fds[0]), "fake-kernel")
	dev := os.NewFile(uintptr(fds[1]), "fake-dev")
	defer dev.Close()

	// Hang up the device before any Init arrives.
	require.NoError(t, kern.Close())

	rec := &fakefuse.RecordingReporter{}
	_, err = fakefuse.Serve(dev, rec)
	require.ErrorIs(t, err, fakefuse.ErrServerFailure)
	assert.NotEmpty(t, rec.Failures())
}

func TestResponseOrdering(t *testing.T) {
	drv, kern := startSession(t, t)

	ops := []fakefuse.OpCode{fakefuse.OpGetattr, fakefuse.OpStatfs, fakefuse.OpFlush}
	var queued [][]byte
	for i, op := range ops {
		msg := response(0, []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, drv.SetResponse(op, msg))
		queued = append(queued, msg)
	}
	unsent, err := drv.NumUnsentResponses()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(ops)), unsent)

	var sentRequests [][]byte
	for i, op := range ops {
		unique := uint64(100 + i)
		req := request(op, unique, nil)
		kern.send(req)
		sentRequests = append(sentRequests, req)

		got := kern.recv()
		hdr, _ := parseReply(t, got)
		assert.Equal(t, unique, hdr.Unique)

		// Byte-identical to the queued message apart from the patched
		// unique id.
		want := append([]byte(nil), queued[i]...)
		binary.NativeEndian.PutUint64(want[8:16], unique)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("reply %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	unsent, err = drv.NumUnsentResponses()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), unsent)

	// Capture fidelity: the requests come back byte for byte, in
	// arrival order.
	total, err := drv.TotalReceivedBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(3*fakefuse.InHeaderSize), total)
	for i := range ops {
		buf := make([]byte, fakefuse.InHeaderSize)
		require.NoError(t, drv.GetRequest(buf))
		if diff := cmp.Diff(sentRequests[i], buf); diff != "" {
			t.Errorf("captured request %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	require.NoError(t, drv.Close())
}

// The canonical exchange: response R queued for opcode 5, request
// with opcode 5 and unique id 42, reply is R with only the unique id
// overwritten.
func TestUniquePatching(t *testing.T) {
	drv, kern := startSession(t, t)

	r := response(0, []byte("R"))
	require.NoError(t, drv.SetResponse(fakefuse.OpReadlink, r))

	kern.send(request(fakefuse.OpReadlink, 42, nil))
	got := kern.recv()

	want := append([]byte(nil), r...)
	binary.NativeEndian.PutUint64(want[8:16], 42)
	assert.Equal(t, want, got)

	buf := make([]byte, fakefuse.InHeaderSize)
	require.NoError(t, drv.GetRequest(buf))
	require.NoError(t, drv.Close())
}

func TestCaptureFidelity(t *testing.T) {
	drv, kern := startSession(t, t)

	payloads := [][]byte{
		[]byte("first"),
		nil,
		bytes.Repeat([]byte{0xa5}, 300),
	}
	var sent [][]byte
	wantTotal := 0
	for i, payload := range payloads {
		require.NoError(t, drv.SetResponse(fakefuse.OpWrite, response(0, nil)))
		req := request(fakefuse.OpWrite, uint64(i), payload)
		kern.send(req)
		kern.recv()
		sent = append(sent, req)
		wantTotal += len(req)
	}

	total, err := drv.TotalReceivedBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(wantTotal), total)

	for i, req := range sent {
		buf := make([]byte, len(req))
		require.NoError(t, drv.GetRequest(buf))
		assert.Equal(t, req, buf, "captured request %d", i)
	}

	// The used-byte counter is historical; replay does not shrink it.
	total, err = drv.TotalReceivedBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(wantTotal), total)

	require.NoError(t, drv.Close())
}

func TestLookupOverride(t *testing.T) {
	drv, kern := startSession(t, t)

	const fileMode = uint32(syscall.S_IFREG | 0644)
	require.NoError(t, drv.SetInodeLookup("foo", fileMode))

	// Repeated lookups all get the same registration.
	for i := 0; i < 3; i++ {
		unique := uint64(7 + i)
		kern.send(request(fakefuse.OpLookup, unique, append([]byte("foo"), 0)))
		got := kern.recv()

		hdr, payload := parseReply(t, got)
		assert.Equal(t, uint32(fakefuse.OutHeaderSize+fakefuse.EntryOutSize), hdr.Len)
		assert.Equal(t, int32(0), hdr.Error)
		assert.Equal(t, unique, hdr.Unique)

		var entry fakefuse.EntryOut
		require.NoError(t, binary.Read(bytes.NewReader(payload), binary.NativeEndian, &entry))
		want := fakefuse.EntryOut{
			Nodeid: 2,
			Attr: fakefuse.Attr{
				Ino:     2,
				Size:    512,
				Blocks:  4,
				Mode:    fileMode,
				Nlink:   2,
				Uid:     1234,
				Gid:     4321,
				Rdev:    12,
				Blksize: 4096,
			},
		}
		if diff := cmp.Diff(want, entry); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}
	}

	// A second registration gets the next node id.
	const dirMode = uint32(syscall.S_IFDIR | 0755)
	require.NoError(t, drv.SetInodeLookup("bar", dirMode))
	kern.send(request(fakefuse.OpLookup, 99, append([]byte("bar"), 0)))
	_, payload := parseReply(t, kern.recv())
	var entry fakefuse.EntryOut
	require.NoError(t, binary.Read(bytes.NewReader(payload), binary.NativeEndian, &entry))
	assert.Equal(t, uint64(3), entry.Nodeid)
	assert.Equal(t, dirMode, entry.Attr.Mode)

	// Overridden lookups are invisible to capture and counting.
	n, err := drv.NumUnconsumedRequests()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)
	total, err := drv.TotalReceivedBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), total)

	require.NoError(t, drv.Close())
}

func TestOpcodeMismatch(t *testing.T) {
	rec := &fakefuse.RecordingReporter{}
	drv, kern := startSession(t, rec)

	require.NoError(t, drv.SetResponse(fakefuse.OpRead, response(0, []byte("data"))))
	kern.send(request(fakefuse.OpWrite, 11, []byte("xyz")))
	got := kern.recv()

	// Never the mismatched payload: a header-only generic error.
	hdr, payload := parseReply(t, got)
	assert.Empty(t, payload)
	assert.Equal(t, uint32(fakefuse.OutHeaderSize), hdr.Len)
	assert.Equal(t, -int32(syscall.ENOSYS), hdr.Error)
	assert.Equal(t, uint64(11), hdr.Unique)

	// The mismatched response is consumed, and the failure names both
	// opcodes.
	unsent, err := drv.NumUnsentResponses()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), unsent)
	failures := rec.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "Read")
	assert.Contains(t, failures[0], "Write")

	buf := make([]byte, fakefuse.InHeaderSize+len("xyz"))
	require.NoError(t, drv.GetRequest(buf))
	require.NoError(t, drv.Close())
}

func TestRequestWithoutResponse(t *testing.T) {
	rec := &fakefuse.RecordingReporter{}
	drv, kern := startSession(t, rec)

	kern.send(request(fakefuse.OpGetattr, 5, nil))
	got := kern.recv()

	// No hang: the generic error reply comes back immediately.
	hdr, payload := parseReply(t, got)
	assert.Empty(t, payload)
	assert.Equal(t, -int32(syscall.ENOSYS), hdr.Error)
	assert.Equal(t, uint64(5), hdr.Unique)

	failures := rec.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "unexpected request")

	buf := make([]byte, fakefuse.InHeaderSize)
	require.NoError(t, drv.GetRequest(buf))
	require.NoError(t, drv.Close())
}

func TestCloseReportsLeftovers(t *testing.T) {
	drv, _ := startSession(t, t)

	require.NoError(t, drv.SetResponse(fakefuse.OpRead, response(0, []byte("unclaimed"))))

	err := drv.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 unsent responses")
}

func TestRecordingReporter(t *testing.T) {
	var rec fakefuse.RecordingReporter
	assert.Empty(t, rec.Failures())
	rec.Errorf("first: %d", 1)
	rec.Errorf("second")
	assert.Equal(t, []string{"first: 1", "second"}, rec.Failures())
}

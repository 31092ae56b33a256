package fakefuse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// controlCmd is the 32-bit tag leading every command on the control
// channel. The driver sends a tag, then any payload the command
// requires, then blocks until the server writes back the completion
// flag (1 for success, 0 for failure). Variable payloads are written
// in a single send and read in a single receive; the channel is a
// same-host stream socket, so a message this small arrives whole.
type controlCmd uint32

const (
	cmdSetResponse controlCmd = iota
	cmdSetInodeLookup
	cmdGetRequest
	cmdGetTotalReceivedBytes
	cmdGetNumUnconsumedRequests
	cmdGetNumUnsentResponses
)

var controlCmdNames = map[controlCmd]string{
	cmdSetResponse:              "SetResponse",
	cmdSetInodeLookup:           "SetInodeLookup",
	cmdGetRequest:               "GetRequest",
	cmdGetTotalReceivedBytes:    "GetTotalReceivedBytes",
	cmdGetNumUnconsumedRequests: "GetNumUnconsumedRequests",
	cmdGetNumUnsentResponses:    "GetNumUnsentResponses",
}

func (c controlCmd) String() string {
	if s, ok := controlCmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", uint32(c))
}

// The control protocol and the FUSE framing share the host's byte
// order; both ends of the socketpair live on the same machine.

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b[:]), nil
}

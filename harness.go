package fakefuse

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrServerFailure is returned when a command's completion flag
	// reports failure. The details were recorded with the Reporter.
	ErrServerFailure = errors.New("fakefuse: server reported failure")

	errShortMessage = errors.New("fakefuse: device message too short")
)

// Driver is the test-facing end of a fake server session. All methods
// are synchronous: each sends one control command and blocks until
// the server's completion flag arrives. Callers must not pipeline
// commands; the protocol has no framing to recover from interleaving.
//
// Driver is not safe for concurrent use.
type Driver struct {
	ctrl *os.File
	done <-chan struct{}
}

// Serve starts a fake FUSE server on the device descriptor and
// returns once the server has answered the kernel's Init request.
// The device must already be mounted (see Mount) or otherwise ready
// to produce an Init message, or Serve blocks.
//
// The server runs in a background goroutine that owns dev's
// descriptor and its end of the control channel until Close. Failures
// it detects are sent to report; pass a *testing.T, or nil to discard
// them.
func Serve(dev *os.File, report Reporter) (*Driver, error) {
	if report == nil {
		report = nopReporter{}
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("fakefuse: socketpair: %w", err)
	}
	srv := newServer(fdIO(dev.Fd()), fdIO(fds[1]), report)
	d := &Driver{
		ctrl: os.NewFile(uintptr(fds[0]), "fakefuse-control"),
		done: srv.done,
	}
	go srv.run()
	if err := d.waitComplete(); err != nil {
		d.ctrl.Close()
		<-d.done
		return nil, fmt.Errorf("fakefuse: handshake: %w", err)
	}
	return d, nil
}

// waitComplete blocks until the server signals completion of the
// previous command.
func (d *Driver) waitComplete() error {
	flag, err := readU32(d.ctrl)
	if err != nil {
		return err
	}
	if flag != 1 {
		return ErrServerFailure
	}
	return nil
}

// SetResponse queues one canned response to be replayed, verbatim
// except for the unique id, for the next captured request carrying
// opcode.
func (d *Driver) SetResponse(opcode OpCode, msg []byte) error {
	if err := writeU32(d.ctrl, uint32(cmdSetResponse)); err != nil {
		return err
	}
	if err := writeU32(d.ctrl, uint32(opcode)); err != nil {
		return err
	}
	if _, err := d.ctrl.Write(msg); err != nil {
		return err
	}
	return d.waitComplete()
}

// GetRequest copies the next captured request, header included, into
// buf. The caller supplies the exact size it expects; the channel is
// a byte stream and a wrong size desynchronizes it. Calls consume
// requests in arrival order.
func (d *Driver) GetRequest(buf []byte) error {
	if err := writeU32(d.ctrl, uint32(cmdGetRequest)); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.ctrl, buf); err != nil {
		return err
	}
	return d.waitComplete()
}

// SetInodeLookup registers a canned entry response for path, carrying
// mode and a node id unique to this registration. Lookup requests for
// path are answered from the table and never captured.
func (d *Driver) SetInodeLookup(path string, mode uint32) error {
	if err := writeU32(d.ctrl, uint32(cmdSetInodeLookup)); err != nil {
		return err
	}
	if err := writeU32(d.ctrl, mode); err != nil {
		return err
	}
	// One trailing byte for the NUL terminator.
	if _, err := d.ctrl.Write(append([]byte(path), 0)); err != nil {
		return err
	}
	return d.waitComplete()
}

func (d *Driver) getData(cmd controlCmd) (uint32, error) {
	if err := writeU32(d.ctrl, uint32(cmd)); err != nil {
		return 0, err
	}
	v, err := readU32(d.ctrl)
	if err != nil {
		return 0, err
	}
	return v, d.waitComplete()
}

// NumUnconsumedRequests returns how many captured requests have not
// been retrieved with GetRequest. Overridden lookups never count.
func (d *Driver) NumUnconsumedRequests() (uint32, error) {
	return d.getData(cmdGetNumUnconsumedRequests)
}

// NumUnsentResponses returns how many queued responses have not been
// replayed.
func (d *Driver) NumUnsentResponses() (uint32, error) {
	return d.getData(cmdGetNumUnsentResponses)
}

// TotalReceivedBytes returns the total size of all captured requests,
// retrieved or not.
func (d *Driver) TotalReceivedBytes() (uint32, error) {
	return d.getData(cmdGetTotalReceivedBytes)
}

// Close verifies the end-of-session invariant and shuts the server
// down: a well-behaved test ends with zero unconsumed requests and
// zero unsent responses. Closing the control channel is what
// terminates the server's loop; Close waits for it to exit. The
// device descriptor stays open; its owner disposes of it after
// unmounting.
func (d *Driver) Close() error {
	requests, rerr := d.NumUnconsumedRequests()
	responses, perr := d.NumUnsentResponses()
	cerr := d.ctrl.Close()
	<-d.done
	if rerr != nil {
		return fmt.Errorf("fakefuse: closing session: %w", rerr)
	}
	if perr != nil {
		return fmt.Errorf("fakefuse: closing session: %w", perr)
	}
	if requests != 0 || responses != 0 {
		return fmt.Errorf("fakefuse: session ended with %d unconsumed requests and %d unsent responses", requests, responses)
	}
	return cerr
}

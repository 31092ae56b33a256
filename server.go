package fakefuse

import (
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdIO wraps a raw descriptor for blocking reads and writes with
// EINTR retry, independent of the runtime poller. The server flow
// owns its descriptors as plain integers so that unix.Poll and
// blocking I/O see the same blocking-mode file.
type fdIO int

func (fd fdIO) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (fd fdIO) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(int(fd), p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Server emulates the userspace side of a FUSE session. It owns the
// device descriptor and one end of the control socketpair; all of its
// state is mutated only from its own goroutine, between wakeups of a
// single poll loop, so no locking is involved.
type Server struct {
	dev  fdIO
	ctrl fdIO

	requests  MemBuffer
	responses MemBuffer
	lookups   MemBuffer

	lookupMap map[string]MemBlock
	// nextNodeID assigns node ids for lookup overrides. 1 is the FUSE
	// root node.
	nextNodeID uint64

	report Reporter
	done   chan struct{}
}

func newServer(dev, ctrl fdIO, report Reporter) *Server {
	return &Server{
		dev:        dev,
		ctrl:       ctrl,
		lookupMap:  make(map[string]MemBlock),
		nextNodeID: 2,
		report:     report,
		done:       make(chan struct{}),
	}
}

// run performs the handshake, signals its outcome to the driver as
// the first completion flag, and serves until the driver hangs up the
// control channel.
func (s *Server) run() {
	defer close(s.done)
	defer unix.Close(int(s.ctrl))
	s.completeWith(s.consumeInit() == nil)
	s.loop()
}

// consumeInit reads the kernel's first message and replies with a
// minimal successful Init response, echoing the request's unique id.
func (s *Server) consumeInit() error {
	buf := make([]byte, minReadBuffer)
	n, err := s.readDev(buf)
	if err != nil {
		s.report.Errorf("fakefuse: reading Init request: %v", err)
		return err
	}
	hdr, err := parseInHeader(buf[:n])
	if err != nil {
		s.report.Errorf("fakefuse: parsing Init request: %v", err)
		return err
	}
	if err := s.writeDev(newInitReply(hdr.Unique)); err != nil {
		s.report.Errorf("fakefuse: writing Init response: %v", err)
		return err
	}
	return nil
}

// loop multiplexes the device and the control channel. Hangup or
// error on the device parks that descriptor but keeps commands
// flowing; hangup on the control channel ends the session, since only
// the driver can shut it down.
func (s *Server) loop() {
	const (
		devIdx = iota
		ctrlIdx
	)
	fds := []unix.PollFd{
		{Fd: int32(s.dev), Events: unix.POLLIN},
		{Fd: int32(s.ctrl), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			s.report.Errorf("fakefuse: poll: %v", err)
			return
		}
		for i := range fds {
			ev := fds[i].Revents
			if ev == 0 {
				continue
			}
			alive := ev&unix.POLLIN != 0
			if alive {
				if i == ctrlIdx {
					alive = s.handleCommand()
				} else {
					alive = s.handleRequest()
				}
			}
			if !alive {
				if i == ctrlIdx {
					return
				}
				fds[i].Fd = -1
			}
		}
	}
}

// handleCommand reads one control command, routes it, and always
// finishes with a completion flag. It returns false when the driver
// has hung up.
func (s *Server) handleCommand() bool {
	cmd, err := readU32(s.ctrl)
	if err != nil {
		if err != io.EOF {
			s.report.Errorf("fakefuse: reading control command: %v", err)
		}
		return false
	}
	var ok bool
	switch controlCmd(cmd) {
	case cmdSetResponse:
		ok = s.receiveResponse()
	case cmdSetInodeLookup:
		ok = s.receiveInodeLookup()
	case cmdGetRequest:
		ok = s.sendReceivedRequest()
	case cmdGetTotalReceivedBytes:
		ok = s.sendData(uint32(s.requests.UsedBytes()))
	case cmdGetNumUnconsumedRequests:
		ok = s.sendData(uint32(s.requests.RemainingCount()))
	case cmdGetNumUnsentResponses:
		ok = s.sendData(uint32(s.responses.RemainingCount()))
	default:
		s.report.Errorf("fakefuse: unknown control command %d", cmd)
		ok = false
	}
	Debug(commandTrace{Cmd: controlCmd(cmd), OK: ok})
	s.completeWith(ok)
	return true
}

// receiveResponse reads an expected opcode and a canned response from
// the control channel and queues them for replay.
func (s *Server) receiveResponse() bool {
	opcode, err := readU32(s.ctrl)
	if err != nil {
		s.report.Errorf("fakefuse: reading response opcode: %v", err)
		return false
	}
	buf := make([]byte, minReadBuffer)
	n, err := s.ctrl.Read(buf)
	if err != nil {
		s.report.Errorf("fakefuse: reading canned response: %v", err)
		return false
	}
	s.responses.AddRecord(OpCode(opcode), buf[:n])
	return true
}

// receiveInodeLookup reads a mode and a NUL-terminated path, builds
// the canned entry response for that path, and registers it. The
// record is stored exactly as queued responses are, so replay shares
// the same code path.
func (s *Server) receiveInodeLookup() bool {
	mode, err := readU32(s.ctrl)
	if err != nil {
		s.report.Errorf("fakefuse: reading lookup mode: %v", err)
		return false
	}
	buf := make([]byte, minReadBuffer)
	n, err := s.ctrl.Read(buf)
	if err != nil {
		s.report.Errorf("fakefuse: reading lookup path: %v", err)
		return false
	}
	path := string(trimNul(buf[:n]))

	blk := s.lookups.AddRecord(OpLookup, newEntryReply(s.nextNodeID, mode))
	s.lookupMap[path] = blk
	// Node ids only need to differ per registered path; counting up is
	// enough for a test session.
	s.nextNodeID++
	return true
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// sendReceivedRequest replays the captured request at the cursor back
// to the driver.
func (s *Server) sendReceivedRequest() bool {
	if s.requests.AtEnd() {
		s.report.Errorf("fakefuse: no more received request")
		return false
	}
	blk := s.requests.Next()
	if _, err := s.ctrl.Write(s.requests.DataAt(blk.Offset, blk.Len)); err != nil {
		s.report.Errorf("fakefuse: replaying request: %v", err)
		return false
	}
	return true
}

func (s *Server) sendData(v uint32) bool {
	if err := writeU32(s.ctrl, v); err != nil {
		s.report.Errorf("fakefuse: writing control data: %v", err)
		return false
	}
	return true
}

// completeWith writes the completion flag the driver blocks on after
// every command, and after the handshake.
func (s *Server) completeWith(ok bool) {
	var flag uint32
	if ok {
		flag = 1
	}
	if err := writeU32(s.ctrl, flag); err != nil {
		s.report.Errorf("fakefuse: writing completion flag: %v", err)
	}
}

// handleRequest consumes one message from the device and answers it:
// from the lookup override table, from the response queue, or with
// the generic error reply. It returns false when the device is gone.
func (s *Server) handleRequest() bool {
	buf := make([]byte, minReadBuffer)
	n, err := s.readDev(buf)
	if err != nil {
		if err != io.EOF {
			s.report.Errorf("fakefuse: reading request: %v", err)
		}
		return false
	}
	msg := buf[:n]
	hdr, err := parseInHeader(msg)
	if err != nil {
		s.report.Errorf("fakefuse: %v", err)
		return true
	}
	opcode := OpCode(hdr.Opcode)
	Debug(requestTrace{Opcode: opcode, Unique: hdr.Unique, Len: n})

	// Overridden lookups are answered from the table and stay
	// invisible to request capture and the count queries.
	if opcode == OpLookup {
		if blk, ok := s.lookupMap[lookupName(msg)]; ok {
			s.respondStored(&s.lookups, blk, hdr.Unique)
			return true
		}
	}

	s.requests.AddRecord(opcode, msg)

	if s.responses.AtEnd() {
		s.report.Errorf("fakefuse: unexpected request: no response queued for %v", opcode)
		s.respondError(hdr.Unique)
		return true
	}
	blk := s.responses.Next()
	if blk.Opcode != opcode {
		s.report.Errorf("fakefuse: expected %v request but got %v", blk.Opcode, opcode)
		// Forwarding the mismatched payload would corrupt the other
		// side's request bookkeeping; answer with the generic error
		// instead.
		s.respondError(hdr.Unique)
		return true
	}
	s.respondStored(&s.responses, blk, hdr.Unique)
	return true
}

// respondStored writes a stored record to the device, patching in the
// unique id of the request being answered.
func (s *Server) respondStored(buf *MemBuffer, blk MemBlock, unique uint64) {
	msg := buf.DataAt(blk.Offset, blk.Len)
	patchUnique(msg, unique)
	Debug(replyTrace{Unique: unique, Len: blk.Len})
	if err := s.writeDev(msg); err != nil {
		s.report.Errorf("fakefuse: writing response: %v", err)
	}
}

// respondError answers with the header-only ENOSYS reply so the
// waiting caller is never left hanging. The same errno is used for
// every unmatched request; whether callers issuing modifying
// operations cope with that is outside what this harness verifies.
func (s *Server) respondError(unique uint64) {
	reply := newErrorReply(unique, syscall.ENOSYS)
	Debug(replyTrace{Unique: unique, Len: len(reply), Error: -int32(syscall.ENOSYS)})
	if err := s.writeDev(reply); err != nil {
		s.report.Errorf("fakefuse: writing error response: %v", err)
	}
}

// readDev reads one message from the device. ENODEV means the mount
// is gone and is treated as end of stream, as is a zero-length read.
func (s *Server) readDev(b []byte) (int, error) {
	n, err := s.dev.Read(b)
	if err == unix.ENODEV {
		return 0, io.EOF
	}
	if err != nil {
		return n, err
	}
	if n < InHeaderSize {
		return n, errShortMessage
	}
	return n, nil
}

func (s *Server) writeDev(msg []byte) error {
	_, err := s.dev.Write(msg)
	return err
}

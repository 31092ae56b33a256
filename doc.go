// Package fakefuse emulates the userspace side of a FUSE session for
// protocol-conformance tests.
//
// A session has two flows of control. The test driver keeps a Driver
// and scripts the server over a private socketpair: queue canned
// responses, retrieve captured requests, register lookup overrides.
// The server runs in a background goroutine, multiplexing the FUSE
// device and the control channel with a single poll loop. It answers
// the kernel's Init handshake itself; everything after that is
// replayed from bytes the test supplied, with only the unique id
// patched.
//
// Every control command is synchronous: the driver blocks until the
// server writes a completion flag. That discipline, plus the server's
// single-threaded loop, is the whole concurrency model; the two flows
// share no mutable state.
//
// Message payloads are opaque to the server. Tests build them from
// the wire structs in this package (InHeader, OutHeader, EntryOut,
// ...), which match the kernel's fuse.h layouts exactly.
package fakefuse

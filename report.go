package fakefuse

import (
	"fmt"
	"sync"
)

// A Reporter receives the failures the fake server detects while it
// runs: unexpected requests, opcode mismatches, replay-cursor
// exhaustion, channel errors. Failures are recorded against the
// running test rather than delivered across the control channel; the
// driver sees only the per-command completion flag.
//
// *testing.T satisfies Reporter.
type Reporter interface {
	Errorf(format string, args ...interface{})
}

type nopReporter struct{}

func (nopReporter) Errorf(format string, args ...interface{}) {}

// RecordingReporter collects failures for later inspection, for tests
// that expect the server to complain.
//
// The zero value is ready to use.
type RecordingReporter struct {
	mu       sync.Mutex
	failures []string
}

var _ Reporter = (*RecordingReporter)(nil)

func (r *RecordingReporter) Errorf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

// Failures returns a copy of everything reported so far.
func (r *RecordingReporter) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

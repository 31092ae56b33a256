// Package fusetestutil mounts fake FUSE sessions for tests.
package fusetestutil

import (
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fakefuse/fakefuse"
)

// Mount contains information about the mounted session for the test
// to use.
type Mount struct {
	// Dir is the temporary directory where the filesystem is mounted.
	Dir string

	// Driver scripts the fake server answering requests under Dir.
	Driver *fakefuse.Driver

	t      testing.TB
	dev    *os.File
	closed bool
}

// Mounted mounts a fake server at a temporary directory and starts
// serving. Failures the server detects go to report; pass nil to send
// them to t. The test is skipped, not failed, when FUSE is not
// available to this process.
//
// After successful return, caller must clean up by calling Close.
func Mounted(t testing.TB, report fakefuse.Reporter) *Mount {
	t.Helper()
	if report == nil {
		report = t
	}
	dir, err := os.MkdirTemp("", "fakefuse")
	if err != nil {
		t.Fatalf("error creating temp dir: %v", err)
	}
	dev, err := fakefuse.Mount(dir)
	if err != nil {
		_ = os.Remove(dir)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			t.Skipf("skipping, cannot mount FUSE here: %v", err)
		}
		t.Fatalf("error mounting: %v", err)
	}
	drv, err := fakefuse.Serve(dev, report)
	if err != nil {
		_ = fakefuse.Unmount(dir)
		dev.Close()
		_ = os.Remove(dir)
		t.Fatalf("error serving: %v", err)
	}
	return &Mount{
		Dir:    dir,
		Driver: drv,
		t:      t,
		dev:    dev,
	}
}

// Close checks the end-of-session invariant, unmounts, and shuts the
// server down. It is safe to call Close multiple times.
//
// A well-behaved test retrieves every request it caused and pairs
// every queued response with one; leftovers fail the test here.
func (mnt *Mount) Close() {
	if mnt.closed {
		return
	}
	mnt.closed = true
	mnt.t.Helper()

	if n, err := mnt.Driver.NumUnconsumedRequests(); err != nil {
		mnt.t.Errorf("error reading unconsumed request count: %v", err)
	} else if n != 0 {
		mnt.t.Errorf("%d captured requests left unconsumed", n)
	}
	if n, err := mnt.Driver.NumUnsentResponses(); err != nil {
		mnt.t.Errorf("error reading unsent response count: %v", err)
	} else if n != 0 {
		mnt.t.Errorf("%d queued responses left unsent", n)
	}

	prev := ""
	for tries := 0; tries < 100; tries++ {
		err := fakefuse.Unmount(mnt.Dir)
		if err != nil {
			msg := err.Error()
			// hide repeating errors
			if msg != prev {
				if !strings.HasSuffix(msg, ": Device or resource busy") || tries > 10 {
					log.Printf("unmount error: %v", err)
					prev = msg
				}
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		break
	}
	if err := mnt.Driver.Close(); err != nil {
		mnt.t.Errorf("error closing session: %v", err)
	}
	mnt.dev.Close()
	os.Remove(mnt.Dir)
}

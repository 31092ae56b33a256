//go:build linux

// Command fakefuse-abort forcibly severs wedged FUSE mounts.
//
// A session whose server has stopped answering leaves a mountpoint
// that hangs every caller, including the stat that fusermount and
// umount perform. The escape hatch is the sysfs abort file: the minor
// device number of the mount is the connection id, and writing to
// /sys/fs/fuse/connections/<id>/abort makes the kernel fail all
// pending and future requests, after which a normal unmount succeeds.
//
// https://www.kernel.org/doc/Documentation/filesystems/fuse.txt
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fakefuse/fakefuse"
	"github.com/fakefuse/fakefuse/cmd/fakefuse-abort/internal/mountinfo"
)

// connectionIDs maps every mountpoint in the current namespace to its
// FUSE connection id, or to the empty string for non-FUSE mounts so
// those get a distinct complaint.
func connectionIDs() (map[string]string, error) {
	entries, err := mountinfo.ReadFile(mountinfo.DefaultPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read mountinfo: %v", err)
	}
	ids := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.FUSE() {
			ids[e.Mountpoint] = ""
			continue
		}
		if e.Major != "0" {
			return nil, fmt.Errorf("FUSE mount has unexpected device major %v:%v: %v", e.Major, e.Minor, e.Mountpoint)
		}
		ids[e.Mountpoint] = e.Minor
	}
	return ids, nil
}

func abort(id string) error {
	p := filepath.Join("/sys/fs/fuse/connections", id, "abort")
	f, err := os.OpenFile(p, os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrNotExist) {
		// already gone, likely raced with an unmount
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString("1\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var errWarnings = errors.New("encountered warnings")

func run(mountpoints []string) error {
	ids, err := connectionIDs()
	if err != nil {
		return err
	}
	success := true
	for _, p := range mountpoints {
		id, ok := ids[p]
		if !ok {
			log.Printf("mountpoint not found: %v", p)
			success = false
			continue
		}
		if id == "" {
			log.Printf("not a FUSE mount: %v", p)
			success = false
			continue
		}
		if err := abort(id); err != nil {
			return fmt.Errorf("cannot abort connection %v at %v: %v", id, p, err)
		}
		if err := fakefuse.Unmount(p); err != nil {
			log.Printf("cannot unmount: %v", err)
			success = false
		}
	}
	if !success {
		return errWarnings
	}
	return nil
}

var prog = filepath.Base(os.Args[0])

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", prog)
	fmt.Fprintf(flag.CommandLine.Output(), "  %s MOUNTPOINT..\n", prog)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix(prog + ": ")

	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Args()); err != nil {
		if err == errWarnings {
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

// Package mountinfo parses /proc/self/mountinfo far enough to map
// FUSE mountpoints to their kernel connection ids.
package mountinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const DefaultPath = "/proc/self/mountinfo"

// Entry is one mount in the current namespace. Major and Minor are
// the device numbers as strings; for a FUSE mount the minor is the
// connection id under /sys/fs/fuse/connections.
type Entry struct {
	Major      string
	Minor      string
	Mountpoint string
	FSType     string
}

// FUSE reports whether the entry is a FUSE mount of any subtype.
func (e Entry) FUSE() bool {
	return e.FSType == "fuse" || strings.HasPrefix(e.FSType, "fuse.")
}

// ReadFile parses the mountinfo file at path. Lines that cannot be
// parsed are returned as errors; callers wanting to press on can use
// Read line by line instead.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses mountinfo lines from r.
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e, err := parseLine(scanner.Bytes())
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// parseLine picks the device numbers, mountpoint, and filesystem type
// out of one mountinfo line:
//
//	id parent major:minor root mountpoint options [optional...] - fstype source super_options
//
// Field count before the "-" separator varies, so the tail is located
// by scanning for it.
func parseLine(line []byte) (Entry, error) {
	fields := bytes.Split(line, []byte{' '})
	if len(fields) < 7 {
		return Entry{}, fmt.Errorf("mountinfo: too few fields: %q", line)
	}

	major, minor, ok := bytes.Cut(fields[2], []byte{':'})
	if !ok {
		return Entry{}, fmt.Errorf("mountinfo: malformed device number: %q", line)
	}

	mountpoint, err := unescape(fields[4])
	if err != nil {
		return Entry{}, fmt.Errorf("mountinfo: bad mountpoint escape: %q: %v", line, err)
	}

	tail := fields[6:]
	for len(tail) > 0 && !bytes.Equal(tail[0], []byte{'-'}) {
		tail = tail[1:]
	}
	if len(tail) < 2 {
		return Entry{}, fmt.Errorf("mountinfo: missing filesystem type: %q", line)
	}
	fstype, err := unescape(tail[1])
	if err != nil {
		return Entry{}, fmt.Errorf("mountinfo: bad fstype escape: %q: %v", line, err)
	}

	return Entry{
		Major:      string(major),
		Minor:      string(minor),
		Mountpoint: mountpoint,
		FSType:     fstype,
	}, nil
}

// unescape decodes the backslash-octal escapes mountinfo uses for
// spaces and other separators.
func unescape(field []byte) (string, error) {
	if !bytes.ContainsRune(field, '\\') {
		return string(field), nil
	}
	out := make([]byte, 0, len(field))
	for i := 0; i < len(field); i++ {
		if field[i] != '\\' {
			out = append(out, field[i])
			continue
		}
		if i+3 >= len(field) {
			return "", fmt.Errorf("truncated octal escape: %q", field[i:])
		}
		n, err := strconv.ParseUint(string(field[i+1:i+4]), 8, 8)
		if err != nil {
			return "", err
		}
		out = append(out, byte(n))
		i += 3
	}
	return string(out), nil
}

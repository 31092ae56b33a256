package fakefuse

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mount opens a new FUSE device and mounts it at dir. The returned
// file is the kernel side of the session; hand it to Serve before any
// filesystem traffic arrives, and close it only after Unmount.
//
// Mounting needs privileges (root, or a fuse group setup that permits
// it); callers running unprivileged should expect EPERM.
func Mount(dir string) (*os.File, error) {
	dev, err := os.OpenFile("/dev/fuse", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	opts := fmt.Sprintf("fd=%d,rootmode=40000,default_permissions,user_id=%d,group_id=%d",
		dev.Fd(), os.Getuid(), os.Getgid())
	if err := unix.Mount("fuse", dir, "fuse", unix.MS_NODEV|unix.MS_NOSUID, opts); err != nil {
		dev.Close()
		if err == unix.ENOENT {
			return nil, &MountpointDoesNotExistError{Path: dir}
		}
		return nil, fmt.Errorf("fakefuse: mount %q: %w", dir, err)
	}
	return dev, nil
}

// MountpointDoesNotExistError is an error returned when the
// mountpoint does not exist.
type MountpointDoesNotExistError struct {
	Path string
}

var _ error = (*MountpointDoesNotExistError)(nil)

func (e *MountpointDoesNotExistError) Error() string {
	return fmt.Sprintf("mountpoint does not exist: %v", e.Path)
}

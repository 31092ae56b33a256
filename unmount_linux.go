package fakefuse

import (
	"bytes"
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Unmount removes a mount created by Mount. Running as root it calls
// umount(2) directly; otherwise it goes through fusermount, the only
// road an unprivileged process has.
func Unmount(dir string) error {
	if os.Getuid() == 0 {
		return unix.Unmount(dir, 0)
	}
	cmd := exec.Command("fusermount", "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			output = bytes.TrimRight(output, "\n")
			msg := err.Error() + ": " + string(output)
			err = errors.New(msg)
		}
		return err
	}
	return nil
}

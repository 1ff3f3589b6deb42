package gpuchild

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// warmUpSandbox drops the ability to gain privileges. Everything the
// process needs from the filesystem must already be open.
func warmUpSandbox() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("gpuchild: PR_SET_NO_NEW_PRIVS: %w", err)
	}
	return nil
}

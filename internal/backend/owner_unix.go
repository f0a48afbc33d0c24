//go:build unix

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// fixOwner chowns path to the effective user and group when it belongs to
// someone else.
func fixOwner(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", err
	}
	uid, gid := unix.Geteuid(), unix.Getegid()
	if int(st.Uid) == uid {
		return "", nil
	}
	if err := unix.Chown(path, uid, gid); err != nil {
		return "", err
	}
	return fmt.Sprintf("owner %d -> %d", st.Uid, uid), nil
}

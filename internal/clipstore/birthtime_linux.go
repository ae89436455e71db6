//go:build linux

package clipstore

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// birthTime reads the file creation time with statx, falling back to the
// modification time on filesystems that do not record it.
func birthTime(path string, info os.FileInfo) time.Time {
	var st unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &st)
	if err == nil && st.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(st.Btime.Sec, int64(st.Btime.Nsec)).UTC()
	}
	return info.ModTime().UTC()
}

package fsutil

import (
	"github.com/shirou/gopsutil/disk"
)

// GetFreeDiskSpace returns the space available to unprivileged users on
// the filesystem holding path, in bytes.
func GetFreeDiskSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

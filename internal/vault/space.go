package vault

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkFreeSpace verifies the filesystem behind path has at least minimumMB
// megabytes free before the store is opened. Badger keeps appending value log
// files, so running the vault on a full disk corrupts it instead of failing
// cleanly.
func checkFreeSpace(path string, minimumMB uint64, log *logrus.Logger) error {
	if minimumMB == 0 {
		return nil
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("%w: disk usage for %s: %v", ErrUnavailable, path, err)
	}

	freeMB := usage.Free / (1024 * 1024)
	log.WithFields(logrus.Fields{
		"path":      path,
		"free (MB)": freeMB,
		"used %":    fmt.Sprintf("%.2f", usage.UsedPercent),
	}).Debug("vault disk usage")

	if freeMB < minimumMB {
		return fmt.Errorf("%w: only %d MB free on %s, %d MB required", ErrUnavailable, freeMB, path, minimumMB)
	}
	return nil
}

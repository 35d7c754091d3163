// Package filesystem pre-allocates destination files and checks free
// disk space before a job is admitted.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// diskSpaceBuffer is held back beyond the requested size so a download
// never drives a volume to exactly zero free space.
const diskSpaceBuffer = 100 * 1024 * 1024

// Allocator reserves disk space for a job's destination file ahead of
// any part writing.
type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

// Allocate checks free space and pre-allocates path to size bytes. When
// size is unknown (size < 0, i.e. size_known=false) the disk-space
// check and the truncate are both skipped: the parent directory and an
// empty file are still created, and the file grows as parts are
// written instead.
func (a *Allocator) Allocate(path string, size int64) error {
	if size >= 0 {
		if err := a.checkDiskSpace(path, size); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("open file for allocation: %w", err)
	}
	defer f.Close()

	if size >= 0 {
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("pre-allocate space: %w", err)
		}
	}
	return nil
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}

	if int64(usage.Free) < (required + diskSpaceBuffer) {
		return fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free)
	}
	return nil
}

//go:build !linux

package cow

import (
	"fmt"
	"os"
)

func blockDeviceSize(f *os.File) (uint64, error) {
	return 0, fmt.Errorf("%w: device size of %s", ErrNotSupported, f.Name())
}

func rangeIoctl(*os.File, uint, uint64, uint64) (int, error) {
	return -1, ErrNotSupported
}

// punchHole overwrites the range with zeros.
func punchHole(f *os.File, start, length uint64) (int, error) {
	zeros := make([]byte, 64<<10)
	for length > 0 {
		n := min(length, uint64(len(zeros)))
		if _, err := f.WriteAt(zeros[:n], int64(start)); err != nil {
			return -1, err
		}
		start += n
		length -= n
	}
	return 0, nil
}

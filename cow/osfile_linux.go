//go:build linux

package cow

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func blockDeviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl BLKGETSIZE64", errno)
	}
	return size, nil
}

func rangeIoctl(f *os.File, request uint, start, length uint64) (int, error) {
	r := [2]uint64{start, length}
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(request), uintptr(unsafe.Pointer(&r[0])))
	if errno != 0 {
		return -1, os.NewSyscallError("ioctl", errno)
	}
	return int(ret), nil
}

func punchHole(f *os.File, start, length uint64) (int, error) {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(start), int64(length))
	if err != nil {
		return -1, os.NewSyscallError("fallocate", err)
	}
	return 0, nil
}

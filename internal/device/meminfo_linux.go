package device

import "golang.org/x/sys/unix"

// hostFreeMemory queries currently available host memory. Falls back to
// a conservative constant when the syscall fails.
func hostFreeMemory() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackHostMemory
	}
	return int64(info.Freeram) * int64(info.Unit)
}

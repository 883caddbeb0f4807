//go:build !linux

package device

func hostFreeMemory() int64 {
	return fallbackHostMemory
}

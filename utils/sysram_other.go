//go:build !linux && !darwin

package utils

// UsablePhysicalRAM 在不支持的平台上返回 0，表示物理内存总量未知。
func UsablePhysicalRAM() int64 {
	return 0
}

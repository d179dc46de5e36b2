//go:build linux

package utils

import "golang.org/x/sys/unix"

// UsablePhysicalRAM 返回系统可用的物理内存总量（字节）。
// 获取失败时返回 0，调用方应把 0 当作"未知"处理。
func UsablePhysicalRAM() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}

//go:build darwin

package utils

import "golang.org/x/sys/unix"

// UsablePhysicalRAM 返回系统可用的物理内存总量（字节）。
// 获取失败时返回 0，调用方应把 0 当作"未知"处理。
func UsablePhysicalRAM() int64 {
	mem, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return int64(mem)
}

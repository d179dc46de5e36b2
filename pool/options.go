/*
JadeRaster 池配置模块

本模块定义数据集池的配置读取逻辑。池是惰性构造的单例，
配置在第一次 Ref 构造单例时从环境变量读取一次。

配置项：
- JADERASTER_MAX_POOL_SIZE：池的槽位上限，默认 100，强制夹取到 [2, 1000]。
  下限 2 保证调用方一个槽位之外还有一个槽位可供重入打开使用
- JADERASTER_MAX_POOL_RAM_USAGE：打开句柄的内存预算，
  支持纯字节数或带 MB/GB 等后缀的写法（如 512MB、2GB、1GiB）。
  未设置时默认为可用物理内存的四分之一；物理内存未知时不限制
*/

package pool

import (
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/util6/JadeRaster/utils"
)

const (
	// EnvMaxPoolSize 池槽位上限的环境变量名。
	EnvMaxPoolSize = "JADERASTER_MAX_POOL_SIZE"
	// EnvMaxRAMUsage 池内存预算的环境变量名。
	EnvMaxRAMUsage = "JADERASTER_MAX_POOL_RAM_USAGE"

	// DefaultMaxPoolSize 默认槽位上限。
	DefaultMaxPoolSize = 100
	// MinPoolSize 槽位上限的下限。
	MinPoolSize = 2
	// MaxPoolSizeLimit 槽位上限的上限。
	MaxPoolSizeLimit = 1000
)

// MaxPoolSize 返回配置的池槽位上限，夹取到 [MinPoolSize, MaxPoolSizeLimit]。
func MaxPoolSize() int {
	size := DefaultMaxPoolSize
	if v := os.Getenv(EnvMaxPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	if size < MinPoolSize {
		size = MinPoolSize
	} else if size > MaxPoolSizeLimit {
		size = MaxPoolSizeLimit
	}
	return size
}

// maxRAMUsageBudget 返回配置的内存预算（字节），<= 0 表示不限制。
func maxRAMUsageBudget() int64 {
	if v := os.Getenv(EnvMaxRAMUsage); v != "" {
		if n, err := humanize.ParseBytes(v); err == nil {
			return int64(n)
		}
	}
	// 默认不超过可用物理内存的四分之一。
	return utils.UsablePhysicalRAM() / 4
}

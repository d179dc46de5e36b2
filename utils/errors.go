/*
JadeRaster 错误定义模块

本模块集中定义项目中使用的哨兵错误值和断言辅助函数。
错误处理约定：
1. 可预期的失败（打开失败、池耗尽）通过哨兵错误值返回，
   调用方用 errors.Is / errors.Cause 判断类别
2. 需要附加上下文时用 errors.Wrapf 包装，保留原始错误链
3. 程序员错误（重复释放、引用计数泄漏）通过 CondPanic 断言暴露
*/

package utils

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted 表示池容量已满且所有条目都被引用，无法腾出槽位。
	// 出现该错误通常意味着并发线程数超过了池容量，
	// 可以通过 JADERASTER_MAX_POOL_SIZE 调大池容量。
	ErrPoolExhausted = errors.New(
		"too many concurrent references for the dataset pool size, " +
			"or too many proxy datasets opened in a cascaded way; " +
			"try increasing JADERASTER_MAX_POOL_SIZE")

	// ErrNoOpener 表示池中尚未注册数据集打开器。
	ErrNoOpener = errors.New("no dataset opener registered with the pool")

	// ErrDoubleRelease 表示对引用计数已为零的缓存条目再次释放。
	ErrDoubleRelease = errors.New("unref of a dataset cache entry with zero ref count")

	// ErrBandNotFound 表示请求的波段编号超出数据集的波段范围。
	ErrBandNotFound = errors.New("raster band index out of range")

	// ErrUnderlyingRefLeak 表示子波段关闭时仍持有对主波段底层句柄的引用。
	ErrUnderlyingRefLeak = errors.New("underlying main band still referenced at close")

	// ErrReadOnly 表示对只读数据集执行了写操作。
	ErrReadOnly = errors.New("dataset is opened in read-only mode")

	// ErrDatasetNotFound 表示后端中不存在请求的数据集。
	ErrDatasetNotFound = errors.New("dataset not found")
)

// Panic 如果 err 非空则直接 panic。
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

// CondPanic 条件断言：condition 为真时以 err 为内容 panic。
// 用于标记不应出现的程序状态，而不是可恢复的运行时错误。
func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}

// WarpErr 打印带位置信息的错误日志并原样返回错误，nil 安全。
func WarpErr(format string, err error) error {
	if err != nil {
		fmt.Printf("%s %s\n", format, err)
	}
	return err
}

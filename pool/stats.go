/*
JadeRaster 池统计模块

收集数据集池的运行统计信息，用于性能分析和容量调优。
计数器全部使用原子操作更新，读取不需要持有池锁，
并通过 expvar 发布，进程内可直接观测。
*/

package pool

import (
	"expvar"
	"sync/atomic"
)

// statistics 池的累计计数器。
type statistics struct {
	// hits 缓存命中次数（复用了已打开的句柄）。
	hits atomic.Int64
	// misses 缓存未命中次数（需要打开新句柄）。
	misses atomic.Int64
	// opens 成功的后端打开次数。
	opens atomic.Int64
	// openFailures 失败的后端打开次数。
	openFailures atomic.Int64
	// closes 后端关闭次数（淘汰、显式关闭和池销毁）。
	closes atomic.Int64
	// evictions 内存压力或容量回收导致的句柄淘汰次数。
	evictions atomic.Int64
}

var poolStats statistics

func init() {
	expvar.Publish("jaderaster.pool", expvar.Func(func() interface{} {
		return GetStats()
	}))
}

// Stats 池统计信息的一个快照。
type Stats struct {
	Hits         int64
	Misses       int64
	Opens        int64
	OpenFailures int64
	Closes       int64
	Evictions    int64
	// CurrentSize 当前槽位数量，RAMUsage 当前内存占用估计。
	// 池未构造时两者为 0。
	CurrentSize int
	RAMUsage    int64
}

// StatsSnapshot 返回当前统计信息的快照。
func StatsSnapshot() Stats {
	s := Stats{
		Hits:         poolStats.hits.Load(),
		Misses:       poolStats.misses.Load(),
		Opens:        poolStats.opens.Load(),
		OpenFailures: poolStats.openFailures.Load(),
		Closes:       poolStats.closes.Load(),
		Evictions:    poolStats.evictions.Load(),
	}
	poolMutex.Lock()
	if singleton != nil {
		s.CurrentSize = singleton.currentSize
		s.RAMUsage = singleton.ramUsage
	}
	poolMutex.Unlock()
	return s
}

// GetStats 以通用映射形式返回统计信息。
func GetStats() map[string]interface{} {
	s := StatsSnapshot()
	totalAccess := s.Hits + s.Misses
	var hitRatio float64
	if totalAccess > 0 {
		hitRatio = float64(s.Hits) / float64(totalAccess)
	}
	return map[string]interface{}{
		"hits":          s.Hits,
		"misses":        s.Misses,
		"hit_ratio":     hitRatio,
		"opens":         s.Opens,
		"open_failures": s.OpenFailures,
		"closes":        s.Closes,
		"evictions":     s.Evictions,
		"current_size":  s.CurrentSize,
		"ram_usage":     s.RAMUsage,
	}
}

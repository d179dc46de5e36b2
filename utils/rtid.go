/*
JadeRaster 责任标识服务

每个 goroutine 都有一个"责任标识"（responsible id），用于给后端数据集的
打开和关闭打上逻辑身份标签。默认值是 goroutine 自身的 id；显式设置后，
后续的打开/关闭操作都记录在设置的标识之下。

池依赖这个服务实现"打开者关闭"约定：某个 goroutine 打开的句柄被淘汰时，
执行淘汰的 goroutine 会先把自己的责任标识切换成打开者的标识，关闭完成后
再恢复。后端实现可以用该标识索引自己的逻辑状态（例如登记必须由同一身份
关闭的辅助句柄）。

实现说明：
- Go 没有线程本地存储，这里以 goroutine id 为键做分片哈希表
- 分片设计减少锁竞争（参考缓冲池的分区思路）
- 把责任标识恢复为 goroutine 自身 id 时直接删除表项，避免表无限增长
*/

package utils

import (
	"sync"

	"github.com/petermattis/goid"
)

// rtidShardCount 责任标识表的分片数量，必须是 2 的幂。
const rtidShardCount = 16

type rtidShard struct {
	mu  sync.Mutex
	ids map[int64]int64
}

var rtidTable [rtidShardCount]rtidShard

func init() {
	for i := range rtidTable {
		rtidTable[i].ids = make(map[int64]int64)
	}
}

func rtidShardFor(gid int64) *rtidShard {
	return &rtidTable[uint64(gid)&(rtidShardCount-1)]
}

// GoroutineID 返回当前 goroutine 的 id。
func GoroutineID() int64 {
	return goid.Get()
}

// ResponsibleID 返回当前 goroutine 的责任标识。
// 未显式设置时返回 goroutine 自身的 id。
func ResponsibleID() int64 {
	gid := goid.Get()
	shard := rtidShardFor(gid)
	shard.mu.Lock()
	id, ok := shard.ids[gid]
	shard.mu.Unlock()
	if !ok {
		return gid
	}
	return id
}

// SetResponsibleID 设置当前 goroutine 的责任标识。
// 设回 goroutine 自身 id 等价于恢复默认值，对应表项会被删除，
// 因此 保存/设置/恢复 三段式用法不会泄漏表项。
func SetResponsibleID(id int64) {
	gid := goid.Get()
	shard := rtidShardFor(gid)
	shard.mu.Lock()
	if id == gid {
		delete(shard.ids, gid)
	} else {
		shard.ids[gid] = id
	}
	shard.mu.Unlock()
}

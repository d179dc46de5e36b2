/*
JadeRaster 缓存条目模块

缓存条目是数据集池 LRU 链表中的一个槽位，对应一个
(描述符, 打开选项, 所有者) 三元组。条目采用侵入式双向链表组织：
链表节点本身就是缓存记录，条目可以被清空（句柄关闭、键清除）而
不从链表中摘除，空槽位留在原地等待复用。

关键字段约定：
- refCount == -1 是哨兵值，表示句柄正在打开中。匹配谓词只接受
  refCount >= 0 的条目，因此打开中的条目天然不会被并发请求命中
- closing 标记句柄正在关闭中（关闭期间池锁会被释放），
  淘汰候选的选择会跳过这类条目
- key 为空串表示槽位已被清空，可以复用
*/

package pool

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/utils"
)

// refCountOpening 是句柄打开期间的引用计数哨兵值。
const refCountOpening = -1

// CacheEntry 数据集池中的一个缓存条目。
// 所有字段都由池的全局锁保护，调用方只能通过 Dataset 读取句柄，
// 并且必须在 RefDataset/UnrefDataset 的引用窗口内使用。
type CacheEntry struct {
	// 身份信息

	// responsibleID 打开该句柄的责任标识，关闭时恢复同一身份。
	responsibleID int64
	// keyHash 是 key 的 xxhash64 摘要，匹配时先比较摘要再比较字符串。
	keyHash uint64
	// key 描述符与打开选项拼接成的匹配键，空串表示槽位已清空。
	key string
	// owner 所有者标签，限定 shared 模式下的共享范围，空串表示无。
	owner string

	// 句柄与资源占用

	// ds 底层数据集句柄，条目处于打开状态时非 nil。
	ds common.Dataset
	// ramUsage 后端报告的内存占用估计（字节），句柄缺失时为 0。
	ramUsage int64

	// 状态

	// refCount 未归还的引用数，refCountOpening 表示打开进行中。
	refCount int
	// closing 句柄正在关闭中（池锁已释放），不可作为淘汰候选。
	closing bool

	// LRU 链表指针，头部为最近使用。
	prev, next *CacheEntry
}

// Dataset 返回条目持有的底层数据集句柄。
// 仅在 RefDataset 返回后、UnrefDataset 调用前有效。
func (e *CacheEntry) Dataset() common.Dataset {
	return e.ds
}

// entryKey 把描述符和打开选项拼接成匹配键。
// 选项顺序参与匹配：同一描述符、不同选项顺序视为不同数据集。
func entryKey(name string, openOptions []string) string {
	if len(openOptions) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, opt := range openOptions {
		b.WriteString("||")
		b.WriteString(opt)
	}
	return b.String()
}

func entryKeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// pushFront 把新条目接到 LRU 链表头部。
func (p *datasetPool) pushFront(e *CacheEntry) {
	e.prev = nil
	e.next = p.firstEntry
	if p.firstEntry != nil {
		p.firstEntry.prev = e
	}
	p.firstEntry = e
	if p.lastEntry == nil {
		p.lastEntry = e
	}
}

// moveToFront 把链表中已有的条目提升到头部。
func (p *datasetPool) moveToFront(e *CacheEntry) {
	if e == p.firstEntry {
		return
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		p.lastEntry = e.prev
	}
	e.prev.next = e.next
	e.prev = nil
	e.next = p.firstEntry
	p.firstEntry.prev = e
	p.firstEntry = e
}

// checkLinks 校验链表结构不变量，仅在测试中调用。
func (p *datasetPool) checkLinks() {
	n := 0
	for cur := p.firstEntry; cur != nil; cur = cur.next {
		utils.CondPanic(cur != p.firstEntry && cur.prev.next != cur,
			errors.New("pool: broken prev link"))
		utils.CondPanic(cur != p.lastEntry && cur.next.prev != cur,
			errors.New("pool: broken next link"))
		utils.CondPanic(cur.next == nil && cur != p.lastEntry,
			errors.New("pool: tail not last entry"))
		n++
	}
	utils.CondPanic(n != p.currentSize, errors.New("pool: size mismatch"))
}

/*
JadeRaster 数据集池模块

数据集池是整个项目的核心组件，在一个有限的打开句柄工作集上
复用对任意多个磁盘栅格数据集的访问。池是进程级单例，
使用 LRU 策略管理缓存条目。

核心功能：
1. 句柄复用：相同键的请求命中已打开的句柄，避免重复打开
2. LRU 淘汰：容量耗尽时回收最久未使用且引用计数为零的槽位
3. 内存压力淘汰：打开新句柄后超出内存预算时，关闭空闲句柄但保留槽位
4. 引用计数：条目被引用期间绝不淘汰
5. 责任标识：打开句柄的身份被记录，关闭一定在同一身份下执行

并发设计：
- 一把全局互斥锁保护 LRU 链表、全部条目字段、计数器和单例引用计数。
  后端打开器如需维护自己的全局状态，应通过 DriverMutex 共享同一把锁，
  否则级联打开辅助数据集时可能死锁
- 昂贵的后端打开/关闭调用期间释放全局锁，避免锁竞争。
  打开中的条目用引用计数哨兵 -1 标记，关闭中的条目用 closing 标记，
  两者都不会被并发请求命中或选为淘汰候选
- 打开器可以重入：它在持锁之外运行，可以递归进入池打开辅助数据集。
  重入期间创建的代理不参与池自身的存活计数（见 disabledRefCount）
*/

package pool

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/utils"
)

// poolMutex 全局互斥锁。
// 与后端打开器共享（见 DriverMutex），在后端打开/关闭调用期间释放。
var poolMutex sync.Mutex

// singleton 进程级池单例，由 Ref 惰性构造，由 Unref/ForceDestroy 销毁。
var singleton *datasetPool

// datasetOpener 注册的后端打开器。
var datasetOpener common.Opener

// disabledRefCount 每个 goroutine 的引用计数抑制深度，由 poolMutex 保护。
// 在后端打开或关闭调用前后增减。深度非零时 Ref/Unref 不改变单例的
// 存活计数：打开器内部构造的代理不应延长池的生命周期，否则这些
// 引用很可能永远不被释放，池就成了幽灵。
var disabledRefCount = make(map[int64]int)

func incrDisabledRefCount() {
	disabledRefCount[utils.GoroutineID()]++
}

func decrDisabledRefCount() {
	gid := utils.GoroutineID()
	disabledRefCount[gid]--
	if disabledRefCount[gid] == 0 {
		delete(disabledRefCount, gid)
	}
}

func refCountDisabled() bool {
	return disabledRefCount[utils.GoroutineID()] > 0
}

// datasetPool 池单例的内部状态，全部字段由 poolMutex 保护。
type datasetPool struct {
	// inDestruction 析构进行中，所有池操作静默空转。
	inDestruction bool

	// refCount 单例的存活计数，由顶层代理数据集在构造/关闭时增减。
	refCount int

	// 容量预算
	maxSize     int
	currentSize int

	// 内存预算，maxRAMUsage <= 0 表示不限制。
	maxRAMUsage int64
	ramUsage    int64

	// LRU 链表，头部为最近使用。
	firstEntry *CacheEntry
	lastEntry  *CacheEntry
}

func newDatasetPool(maxSize int, maxRAMUsage int64) *datasetPool {
	return &datasetPool{
		maxSize:     maxSize,
		maxRAMUsage: maxRAMUsage,
	}
}

// SetOpener 注册后端数据集打开器。
// 必须在第一次 RefDataset 之前调用；未注册时 RefDataset 返回 ErrNoOpener。
func SetOpener(o common.Opener) {
	poolMutex.Lock()
	datasetOpener = o
	poolMutex.Unlock()
}

// DriverMutex 返回池的全局互斥锁。
// 后端打开器如果维护自己的全局状态，必须用这把锁保护，
// 把锁拆开会在级联打开辅助数据集时引入死锁窗口。
func DriverMutex() *sync.Mutex {
	return &poolMutex
}

// Ref 增加池单例的存活计数，必要时先惰性构造单例。
// 容量和内存预算在构造时从环境配置读取（见 options.go）。
// 当前 goroutine 处于后端打开/关闭窗口内时不增加计数。
func Ref() {
	poolMutex.Lock()
	defer poolMutex.Unlock()
	if singleton == nil {
		singleton = newDatasetPool(MaxPoolSize(), maxRAMUsageBudget())
	}
	if singleton.inDestruction {
		return
	}
	if !refCountDisabled() {
		singleton.refCount++
	}
}

// Unref 减少池单例的存活计数，计数归零时销毁单例并关闭全部句柄。
// 当前 goroutine 处于后端打开/关闭窗口内时不减少计数。
func Unref() {
	poolMutex.Lock()
	defer poolMutex.Unlock()
	if singleton == nil || singleton.inDestruction {
		return
	}
	if refCountDisabled() {
		return
	}
	singleton.refCount--
	if singleton.refCount == 0 {
		singleton.destroy()
	}
}

// PreventDestroy 增加当前 goroutine 的引用计数抑制深度，
// 用于关闭流程中确保池不会在显式 ForceDestroy 之前被销毁。
func PreventDestroy() {
	poolMutex.Lock()
	defer poolMutex.Unlock()
	if singleton == nil || singleton.inDestruction {
		return
	}
	incrDisabledRefCount()
}

// ForceDestroy 撤销 PreventDestroy 并强制销毁池单例。
// 抑制深度必须恰好平衡，否则视为程序员错误。
func ForceDestroy() {
	poolMutex.Lock()
	defer poolMutex.Unlock()
	if singleton == nil || singleton.inDestruction {
		return
	}
	decrDisabledRefCount()
	utils.CondPanic(disabledRefCount[utils.GoroutineID()] != 0,
		errors.New("pool: unbalanced PreventDestroy at ForceDestroy"))
	singleton.refCount = 0
	singleton.destroy()
}

// RefDataset 返回键为 (name, openOptions, owner) 的缓存条目，
// 条目的句柄非 nil 且引用计数已增加。调用方用完后必须 UnrefDataset。
//
// 匹配规则：键字节相等，且满足二者之一：
//   - shared 为真、条目的责任标识等于当前责任标识、所有者标签相等
//   - shared 为假且条目引用计数为零（独占复用）
//
// 未命中且 forceOpen 为假时返回 (nil, nil)。
// 池处于析构中（或尚未构造）时同样返回 (nil, nil)。
func RefDataset(name string, access common.Access, openOptions []string,
	shared bool, forceOpen bool, owner string) (*CacheEntry, error) {

	poolMutex.Lock()
	if singleton == nil {
		poolMutex.Unlock()
		return nil, nil
	}
	entry, err := singleton.refDataset(name, access, openOptions, shared, forceOpen, owner)
	poolMutex.Unlock()
	return entry, err
}

// UnrefDataset 归还 RefDataset 返回的条目引用。
// 从不直接关闭句柄，淘汰是惰性的。重复归还视为程序员错误。
func UnrefDataset(e *CacheEntry) {
	if e == nil {
		return
	}
	poolMutex.Lock()
	defer poolMutex.Unlock()
	utils.CondPanic(e.refCount <= 0, utils.ErrDoubleRelease)
	e.refCount--
}

// CloseDatasetIfZeroRefCount 立即关闭键匹配、引用计数为零的句柄。
// 槽位保留在 LRU 链表中等待复用。代理数据集关闭时调用，
// 保证自己独占打开的句柄不会滞留在池里。
func CloseDatasetIfZeroRefCount(name string, openOptions []string, owner string) {
	poolMutex.Lock()
	if singleton != nil {
		singleton.closeDatasetIfZeroRefCount(name, openOptions, owner)
	}
	poolMutex.Unlock()
}

// refDataset 查找或打开一个条目，进入和返回时都持有 poolMutex，
// 但后端打开调用期间会释放锁。
func (p *datasetPool) refDataset(name string, access common.Access,
	openOptions []string, shared bool, forceOpen bool, owner string) (*CacheEntry, error) {

	if p.inDestruction {
		return nil, nil
	}

	responsibleID := utils.ResponsibleID()
	key := entryKey(name, openOptions)
	keyHash := entryKeyHash(key)

	for cur := p.firstEntry; cur != nil; cur = cur.next {
		// refCount >= 0 把打开中的条目（哨兵 -1）排除在匹配之外。
		if cur.refCount >= 0 && cur.key != "" &&
			cur.keyHash == keyHash && cur.key == key &&
			((shared && cur.responsibleID == responsibleID && cur.owner == owner) ||
				(!shared && cur.refCount == 0)) {
			p.moveToFront(cur)
			cur.refCount++
			poolStats.hits.Add(1)
			return cur, nil
		}
	}

	if !forceOpen {
		return nil, nil
	}
	poolStats.misses.Add(1)

	if datasetOpener == nil {
		return nil, utils.ErrNoOpener
	}
	opener := datasetOpener

	var cur *CacheEntry
	if p.currentSize == p.maxSize {
		cur = p.evictZeroRefEntry(false)
		if cur == nil {
			return nil, errors.Wrapf(utils.ErrPoolExhausted, "pool size %d", p.maxSize)
		}
	} else {
		cur = &CacheEntry{}
		p.pushFront(cur)
		p.currentSize++
	}

	cur.key = key
	cur.keyHash = keyHash
	cur.owner = owner
	cur.responsibleID = responsibleID
	cur.refCount = refCountOpening
	cur.ramUsage = 0

	incrDisabledRefCount()

	// 打开期间释放全局锁，避免锁竞争；打开器可以重入池。
	poolMutex.Unlock()
	savedID := utils.ResponsibleID()
	utils.SetResponsibleID(cur.responsibleID)
	ds, err := opener.Open(name, access, openOptions)
	utils.SetResponsibleID(savedID)
	poolMutex.Lock()

	cur.ds = ds
	cur.refCount = 1
	decrDisabledRefCount()

	if ds != nil {
		ram := ds.EstimatedRAMUsage()
		if ram < 0 {
			ram = 0
		}
		cur.ramUsage = ram
		p.ramUsage += ram
		poolStats.opens.Add(1)
	}

	if err != nil {
		// 打开失败：槽位清空后留在链表中，可立即复用。
		cur.ds = nil
		cur.refCount = 0
		cur.key = ""
		cur.keyHash = 0
		cur.owner = ""
		poolStats.openFailures.Add(1)
		return nil, errors.Wrapf(err, "pool: open %s", name)
	}

	// 内存压力淘汰：关闭空闲句柄但保留槽位，直到回到预算之内。
	// 刚打开的条目引用计数为 1，天然不在候选之列。
	if p.maxRAMUsage > 0 && cur.ramUsage > 0 {
		for p.ramUsage > p.maxRAMUsage && p.ramUsage != cur.ramUsage {
			if p.evictZeroRefEntry(true) == nil {
				break
			}
		}
	}

	return cur, nil
}

// evictZeroRefEntry 选择并清空一个引用计数为零的条目，返回被清空的条目。
//
// requireOpenHandle 为真时只考虑有内存占用的条目（内存压力淘汰），
// 槽位留在原位；为假时任意零引用条目都可回收（容量淘汰），
// 回收的槽位会被提升到链表头部供新句柄使用。
//
// 候选是从头到尾遍历时最后一个满足条件的条目，即最久未使用者。
// 没有候选时返回 nil。句柄关闭期间释放全局锁。
func (p *datasetPool) evictZeroRefEntry(requireOpenHandle bool) *CacheEntry {
	var candidate *CacheEntry
	for cur := p.firstEntry; cur != nil; cur = cur.next {
		if cur.refCount == 0 && !cur.closing &&
			(!requireOpenHandle || cur.ramUsage > 0) {
			candidate = cur
		}
	}
	if candidate == nil {
		return nil
	}

	p.ramUsage -= candidate.ramUsage
	candidate.ramUsage = 0
	candidate.key = ""
	candidate.keyHash = 0
	candidate.owner = ""

	if candidate.ds != nil {
		ds := candidate.ds
		candidate.ds = nil
		candidate.closing = true
		p.closeDataset(ds, candidate.responsibleID)
		candidate.closing = false
		poolStats.evictions.Add(1)
	}

	if !requireOpenHandle {
		p.moveToFront(candidate)
	}
	return candidate
}

// closeDataset 以打开者的责任标识关闭句柄，关闭期间释放全局锁。
// 调用方必须先把条目标记为不可匹配（键清空、closing 置位）。
func (p *datasetPool) closeDataset(ds common.Dataset, openerID int64) {
	incrDisabledRefCount()
	poolMutex.Unlock()

	savedID := utils.ResponsibleID()
	utils.SetResponsibleID(openerID)
	_ = ds.Close()
	utils.SetResponsibleID(savedID)

	poolMutex.Lock()
	decrDisabledRefCount()
	poolStats.closes.Add(1)
}

// closeDatasetIfZeroRefCount 的内部实现，持有 poolMutex 调用。
func (p *datasetPool) closeDatasetIfZeroRefCount(name string, openOptions []string, owner string) {
	if p.inDestruction {
		return
	}

	key := entryKey(name, openOptions)
	keyHash := entryKeyHash(key)

	for cur := p.firstEntry; cur != nil; cur = cur.next {
		if cur.refCount == 0 && !cur.closing && cur.key != "" &&
			cur.keyHash == keyHash && cur.key == key &&
			cur.owner == owner && cur.ds != nil {

			p.ramUsage -= cur.ramUsage
			cur.ramUsage = 0
			cur.key = ""
			cur.keyHash = 0
			cur.owner = ""

			ds := cur.ds
			cur.ds = nil
			cur.closing = true
			p.closeDataset(ds, cur.responsibleID)
			cur.closing = false
			return
		}
	}
}

// destroy 销毁池：关闭全部残留句柄并释放单例。
// 持有 poolMutex 调用；每个句柄的关闭都在锁释放的窗口内执行，
// 期间到来的池操作因 inDestruction 而静默空转。
func (p *datasetPool) destroy() {
	p.inDestruction = true
	for cur := p.firstEntry; cur != nil; cur = cur.next {
		utils.CondPanic(cur.refCount != 0,
			errors.New("pool: destroying pool with referenced entries"))
		if cur.ds != nil {
			ds := cur.ds
			cur.ds = nil
			cur.closing = true
			p.closeDataset(ds, cur.responsibleID)
			cur.closing = false
		}
		cur.key = ""
		cur.keyHash = 0
		cur.owner = ""
		cur.ramUsage = 0
	}
	singleton = nil
}

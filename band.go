/*
JadeRaster 代理波段模块

代理波段遵循与代理数据集相同的获取/归还约定：每个操作先通过
所属数据集向池获取底层句柄，定位到第 n 个波段，执行操作，
必要时把指针语义的返回值克隆进波段自有存储，最后归还句柄。

两个关键细节：
- 分块大小发现：波段可以用 (0,0) 声明分块大小，表示"首次真正
  获取底层波段时再问后端"。首次成功获取会把分块大小回填到
  代理波段上；在那之前调用方不得假定分块大小有效
- 金字塔与掩膜波段：代理波段按需构造子代理波段（金字塔层级、
  掩膜），子波段的获取经由主波段路由而不直接走池，保证一次
  金字塔获取恰好钉住主数据集一次、归还一次。子波段关闭时对
  主波段底层引用计数归零做断言
*/

package JadeRaster

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/pool"
	"github.com/util6/JadeRaster/utils"
)

// childKind 子波段的路由类型。
type childKind int

const (
	// childNone 主波段，直接经由所属数据集获取。
	childNone childKind = iota
	// childOverview 金字塔波段，经由主波段获取。
	childOverview
	// childMask 掩膜波段，经由主波段获取。
	childMask
)

// ProxyBand 一个波段的用户侧句柄，由所属的 ProxyDataset 创建。
type ProxyBand struct {
	ds   *ProxyDataset
	band int

	xSize, ySize int
	dataType     common.DataType

	// mu 保护分块大小回填、各类缓存、子波段和主波段引用计数。
	mu sync.Mutex

	// blockXSize, blockYSize 分块大小，(0,0) 表示待首次获取时回填。
	blockXSize, blockYSize int

	metadataCache     map[string][]string
	metadataItemCache map[metadataItemKey]metadataItemValue
	categoryNames     []string
	unitType          string
	colorTable        *common.ColorTable

	overviews []*ProxyBand
	maskBand  *ProxyBand

	// 子波段路由状态。
	kind          childKind
	mainBand      *ProxyBand
	overviewIndex int

	// refCountUnderlyingMain 子波段当前持有的主波段底层引用数，
	// 关闭时必须为零。
	refCountUnderlyingMain int

	closed bool
}

func newProxyBand(ds *ProxyDataset, n int, dataType common.DataType,
	blockXSize, blockYSize int) *ProxyBand {

	return &ProxyBand{
		ds:                ds,
		band:              n,
		xSize:             ds.xSize,
		ySize:             ds.ySize,
		dataType:          dataType,
		blockXSize:        blockXSize,
		blockYSize:        blockYSize,
		metadataCache:     make(map[string][]string),
		metadataItemCache: make(map[metadataItemKey]metadataItemValue),
	}
}

// newChildProxyBand 从底层波段的属性构造一个子代理波段。
func newChildProxyBand(main *ProxyBand, kind childKind, overviewIndex int,
	underlying common.Band) *ProxyBand {

	bx, by := underlying.BlockSize()
	return &ProxyBand{
		ds:                main.ds,
		band:              main.band,
		xSize:             underlying.XSize(),
		ySize:             underlying.YSize(),
		dataType:          underlying.DataType(),
		blockXSize:        bx,
		blockYSize:        by,
		metadataCache:     make(map[string][]string),
		metadataItemCache: make(map[metadataItemKey]metadataItemValue),
		kind:              kind,
		mainBand:          main,
		overviewIndex:     overviewIndex,
	}
}

// Band 返回波段编号（从 1 开始）。
func (b *ProxyBand) Band() int { return b.band }

// DataType 返回波段的数据类型，不访问后端。
func (b *ProxyBand) DataType() common.DataType { return b.dataType }

func (b *ProxyBand) XSize() int { return b.xSize }
func (b *ProxyBand) YSize() int { return b.ySize }

// BlockSize 返回分块大小。以 (0,0) 声明的波段在首次成功获取
// 底层波段之前返回 (0,0)。
func (b *ProxyBand) BlockSize() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockXSize, b.blockYSize
}

// Close 释放波段及其子波段。子波段必须已经归还全部主波段引用。
func (b *ProxyBand) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	utils.CondPanic(b.refCountUnderlyingMain != 0, utils.ErrUnderlyingRefLeak)
	overviews := b.overviews
	mask := b.maskBand
	b.mu.Unlock()

	for _, ov := range overviews {
		if ov != nil {
			_ = ov.Close()
		}
	}
	if mask != nil {
		_ = mask.Close()
	}
	return nil
}

// refUnderlyingBand 获取底层波段。
// 主波段经由所属数据集取句柄并回填分块大小；子波段经由主波段
// 路由，并登记一次主波段底层引用。
// 返回的缓存条目用于之后的 unrefUnderlyingBand。
func (b *ProxyBand) refUnderlyingBand(forceOpen bool) (common.Band, *pool.CacheEntry, error) {
	switch b.kind {
	case childOverview, childMask:
		mainUB, entry, err := b.mainBand.refUnderlyingBand(forceOpen)
		if err != nil || mainUB == nil {
			return nil, nil, err
		}
		b.mu.Lock()
		b.refCountUnderlyingMain++
		b.mu.Unlock()

		var ub common.Band
		if b.kind == childOverview {
			ub, err = mainUB.Overview(b.overviewIndex)
		} else {
			ub = mainUB.MaskBand()
		}
		if err != nil || ub == nil {
			b.unrefUnderlyingBand(entry)
			return nil, nil, err
		}
		return ub, entry, nil

	default:
		uds, entry, err := b.ds.refUnderlyingDataset(forceOpen)
		if err != nil || uds == nil {
			return nil, nil, err
		}
		ub, berr := uds.RasterBand(b.band)
		if berr != nil {
			b.ds.unrefUnderlyingDataset(entry)
			return nil, nil, berr
		}

		// 首次成功获取时回填分块大小。
		b.mu.Lock()
		if b.blockXSize <= 0 || b.blockYSize <= 0 {
			b.blockXSize, b.blockYSize = ub.BlockSize()
		}
		b.mu.Unlock()
		return ub, entry, nil
	}
}

func (b *ProxyBand) unrefUnderlyingBand(entry *pool.CacheEntry) {
	switch b.kind {
	case childOverview, childMask:
		b.mu.Lock()
		b.refCountUnderlyingMain--
		b.mu.Unlock()
		b.mainBand.unrefUnderlyingBand(entry)
	default:
		b.ds.unrefUnderlyingDataset(entry)
	}
}

// FlushCache 转发到底层波段；句柄当前不在池中时不强制打开。
func (b *ProxyBand) FlushCache() error {
	ub, entry, err := b.refUnderlyingBand(false)
	if err != nil {
		return err
	}
	if ub == nil {
		return nil
	}
	ferr := ub.FlushCache()
	b.unrefUnderlyingBand(entry)
	return ferr
}

// Metadata 返回指定域的波段元数据。缓存规则与数据集相同：
// 首次查询深拷贝入缓存，之后同域查询直接返回缓存副本。
func (b *ProxyBand) Metadata(domain string) ([]string, error) {
	b.mu.Lock()
	if md, ok := b.metadataCache[domain]; ok {
		b.mu.Unlock()
		return md, nil
	}
	b.mu.Unlock()

	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return nil, err
	}
	if ub == nil {
		return nil, nil
	}

	md := common.CloneStringList(ub.Metadata(domain))
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	b.metadataCache[domain] = md
	b.mu.Unlock()
	return md, nil
}

// MetadataItem 返回指定域中一个波段元数据项，缓存规则同上。
func (b *ProxyBand) MetadataItem(name, domain string) (string, bool, error) {
	key := metadataItemKey{name: name, domain: domain}
	b.mu.Lock()
	if v, ok := b.metadataItemCache[key]; ok {
		b.mu.Unlock()
		return v.value, v.ok, nil
	}
	b.mu.Unlock()

	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return "", false, err
	}
	if ub == nil {
		return "", false, nil
	}

	value, ok := ub.MetadataItem(name, domain)
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	b.metadataItemCache[key] = metadataItemValue{value: value, ok: ok}
	b.mu.Unlock()
	return value, ok, nil
}

// CategoryNames 返回分类名称列表，每次调用克隆替换上一份副本。
func (b *ProxyBand) CategoryNames() ([]string, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return nil, err
	}
	if ub == nil {
		return nil, nil
	}

	names := common.CloneStringList(ub.CategoryNames())
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	b.categoryNames = names
	b.mu.Unlock()
	return names, nil
}

// UnitType 返回单位字符串，每次调用替换上一份副本。
func (b *ProxyBand) UnitType() (string, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return "", err
	}
	if ub == nil {
		return "", nil
	}

	unit := ub.UnitType()
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	b.unitType = unit
	b.mu.Unlock()
	return unit, nil
}

// ColorTable 返回颜色表，每次调用克隆替换上一份副本。
func (b *ProxyBand) ColorTable() (*common.ColorTable, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return nil, err
	}
	if ub == nil {
		return nil, nil
	}

	ct := ub.ColorTable().Clone()
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	b.colorTable = ct
	b.mu.Unlock()
	return ct, nil
}

// NoDataValue 返回无效值标记。
func (b *ProxyBand) NoDataValue() (float64, bool, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return 0, false, err
	}
	if ub == nil {
		return 0, false, nil
	}
	v, ok := ub.NoDataValue()
	b.unrefUnderlyingBand(entry)
	return v, ok, nil
}

// OverviewCount 返回金字塔层级数量。
func (b *ProxyBand) OverviewCount() (int, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return 0, err
	}
	if ub == nil {
		return 0, nil
	}
	n := ub.OverviewCount()
	b.unrefUnderlyingBand(entry)
	return n, nil
}

// Overview 返回第 n 层金字塔的子代理波段（从 0 开始编号）。
// 子波段只构造一次，之后同层请求返回同一个子波段。
func (b *ProxyBand) Overview(n int) (*ProxyBand, error) {
	b.mu.Lock()
	if n >= 0 && n < len(b.overviews) && b.overviews[n] != nil {
		ov := b.overviews[n]
		b.mu.Unlock()
		return ov, nil
	}
	b.mu.Unlock()

	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return nil, err
	}
	if ub == nil {
		return nil, errors.Wrapf(utils.ErrBandNotFound, "proxy: overview %d", n)
	}

	ovb, oerr := ub.Overview(n)
	if oerr != nil {
		b.unrefUnderlyingBand(entry)
		return nil, oerr
	}

	ov := newChildProxyBand(b, childOverview, n, ovb)
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	for len(b.overviews) <= n {
		b.overviews = append(b.overviews, nil)
	}
	if b.overviews[n] == nil {
		b.overviews[n] = ov
	}
	ov = b.overviews[n]
	b.mu.Unlock()
	return ov, nil
}

// MaskBand 返回掩膜子代理波段，只构造一次。
func (b *ProxyBand) MaskBand() (*ProxyBand, error) {
	b.mu.Lock()
	if b.maskBand != nil {
		mask := b.maskBand
		b.mu.Unlock()
		return mask, nil
	}
	b.mu.Unlock()

	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return nil, err
	}
	if ub == nil {
		return nil, errors.Wrap(utils.ErrBandNotFound, "proxy: mask band")
	}

	mask := newChildProxyBand(b, childMask, 0, ub.MaskBand())
	b.unrefUnderlyingBand(entry)

	b.mu.Lock()
	if b.maskBand == nil {
		b.maskBand = mask
	}
	mask = b.maskBand
	b.mu.Unlock()
	return mask, nil
}

// AddSrcMaskBandDescription 以显式参数预先声明掩膜波段，
// 之后 MaskBand 直接返回它而不访问后端。
func (b *ProxyBand) AddSrcMaskBandDescription(dataType common.DataType,
	blockXSize, blockYSize int) {

	b.mu.Lock()
	utils.CondPanic(b.maskBand != nil,
		errors.New("proxy: mask band already described"))
	b.maskBand = &ProxyBand{
		ds:                b.ds,
		band:              b.band,
		xSize:             b.xSize,
		ySize:             b.ySize,
		dataType:          dataType,
		blockXSize:        blockXSize,
		blockYSize:        blockYSize,
		metadataCache:     make(map[string][]string),
		metadataItemCache: make(map[metadataItemKey]metadataItemValue),
		kind:              childMask,
		mainBand:          b,
	}
	b.mu.Unlock()
}

// MaskFlags 返回掩膜标志位。
func (b *ProxyBand) MaskFlags() (int, error) {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return 0, err
	}
	if ub == nil {
		return 0, nil
	}
	flags := ub.MaskFlags()
	b.unrefUnderlyingBand(entry)
	return flags, nil
}

// ReadBlock 读取块坐标 (x, y) 处的一个数据块到 buf。
func (b *ProxyBand) ReadBlock(x, y int, buf []byte) error {
	ub, entry, err := b.refUnderlyingBand(true)
	if err != nil {
		return err
	}
	if ub == nil {
		return errors.Errorf("proxy: cannot acquire band %d for ReadBlock", b.band)
	}
	rerr := ub.ReadBlock(x, y, buf)
	b.unrefUnderlyingBand(entry)
	return rerr
}

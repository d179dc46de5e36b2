/*
JadeRaster 代理数据集模块

代理数据集是调用方长期持有的前端对象。它自己不持有底层句柄：
每次转发操作都向数据集池瞬时获取真实句柄，委托执行，然后立即归还。
底层句柄可能在任意两次操作之间被池淘汰，因此指针语义的返回值
（元数据域、元数据项、控制点、空间参考）都会深拷贝到代理自有的
存储中再返回，拷贝的生命周期与代理一致。

共享语义：
- shared 为真时，同一责任标识、同一所有者标签、相同键的获取
  复用同一个池条目。所有者标签把共享范围收窄到单个逻辑拥有者，
  防止不相关的调用方意外别名同一个句柄
- shared 为假时只复用引用计数为零的条目（独占复用）

缓存语义：
- 元数据域缓存和元数据项缓存单调增长：首次查询深拷贝入缓存，
  之后同键查询直接返回缓存副本，即使后端内容已经变化
- 控制点列表每次调用都重新向后端获取（后端可能重建它）
- 空间参考每次调用都克隆替换上一份副本
- 构造时显式给定的空间参考/地理变换优先于后端，对应的写操作
  清除这一覆盖，此后读取重新转发给后端
*/

package JadeRaster

import (
	"log"
	"sync"

	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/pool"
	"github.com/util6/JadeRaster/utils"
)

// metadataItemKey 元数据项缓存的键。
type metadataItemKey struct {
	name, domain string
}

// metadataItemValue 元数据项缓存的值，记录后端当时是否存在该项。
type metadataItemValue struct {
	value string
	ok    bool
}

// ProxyDataset 一个逻辑数据集的用户侧句柄。
// 通过 NewProxyDataset 或 OpenProxyDataset 构造，用完必须 Close。
type ProxyDataset struct {
	// 不可变的身份信息，构造后只读。

	description   string
	openOptions   []string
	access        common.Access
	shared        bool
	owner         string
	responsibleID int64

	xSize, ySize int

	// mu 保护以下可变状态：覆盖值、各类缓存、波段列表。
	mu sync.Mutex

	hasSrcGeoTransform bool
	geoTransform       common.GeoTransform
	hasSrcSRS          bool
	srs                *common.SpatialRef
	gcpSRS             *common.SpatialRef
	gcps               []common.GCP

	metadataCache     map[string][]string
	metadataItemCache map[metadataItemKey]metadataItemValue

	bands  []*ProxyBand
	closed bool
}

// NewProxyDataset 以显式参数构造一个代理数据集，构造期间不访问后端。
// srsWKT 非空或 gt 非 nil 时记为覆盖值，读取时不再咨询后端。
// owner 为空串表示无所有者标签。
func NewProxyDataset(description string, xSize, ySize int, access common.Access,
	shared bool, srsWKT string, gt *common.GeoTransform, owner string) *ProxyDataset {

	pool.Ref()

	d := &ProxyDataset{
		description:       description,
		access:            access,
		shared:            shared,
		owner:             owner,
		responsibleID:     utils.ResponsibleID(),
		xSize:             xSize,
		ySize:             ySize,
		metadataCache:     make(map[string][]string),
		metadataItemCache: make(map[metadataItemKey]metadataItemValue),
	}
	if gt != nil {
		d.geoTransform = *gt
		d.hasSrcGeoTransform = true
	}
	if srsWKT != "" {
		d.srs = &common.SpatialRef{WKT: srsWKT}
		d.hasSrcSRS = true
	}
	return d
}

// OpenProxyDataset 以延迟发现方式构造代理数据集：
// 构造期间向池获取一次底层句柄，读出宽高、空间参考、地理变换
// 和每个波段的描述（数据类型、分块大小），然后立即归还。
func OpenProxyDataset(description string, openOptions []string, access common.Access,
	shared bool, owner string) (*ProxyDataset, error) {

	d := NewProxyDataset(description, 0, 0, access, shared, "", nil, owner)
	d.SetOpenOptions(openOptions)

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if uds == nil {
		_ = d.Close()
		return nil, errors.Errorf("proxy: cannot open underlying dataset %s", description)
	}

	d.xSize = uds.RasterXSize()
	d.ySize = uds.RasterYSize()
	if gt, ok := uds.GeoTransform(); ok {
		d.geoTransform = gt
		d.hasSrcGeoTransform = true
	}
	if srs := uds.SpatialRef(); srs != nil {
		d.srs = srs.Clone()
		d.hasSrcSRS = true
	}

	count := uds.RasterCount()
	for i := 1; i <= count; i++ {
		ub, berr := uds.RasterBand(i)
		if berr != nil {
			d.unrefUnderlyingDataset(entry)
			_ = d.Close()
			return nil, berr
		}
		bx, by := ub.BlockSize()
		d.AddSrcBandDescription(ub.DataType(), bx, by)
	}

	d.unrefUnderlyingDataset(entry)
	return d, nil
}

// SetOpenOptions 设置打开选项，只允许在尚未设置时调用一次。
func (d *ProxyDataset) SetOpenOptions(openOptions []string) {
	utils.CondPanic(d.openOptions != nil,
		errors.New("proxy: open options already set"))
	d.openOptions = common.CloneStringList(openOptions)
}

// AddSrcBandDescription 追加一个波段描述，波段编号为当前数量加一。
// 分块大小 (0,0) 表示首次真正获取底层波段时回填。
func (d *ProxyDataset) AddSrcBandDescription(dataType common.DataType, blockXSize, blockYSize int) {
	d.mu.Lock()
	n := len(d.bands) + 1
	d.bands = append(d.bands, newProxyBand(d, n, dataType, blockXSize, blockYSize))
	d.mu.Unlock()
}

// AddSrcBand 在指定编号处设置波段描述（从 1 开始编号）。
func (d *ProxyDataset) AddSrcBand(n int, dataType common.DataType, blockXSize, blockYSize int) {
	d.mu.Lock()
	for len(d.bands) < n {
		d.bands = append(d.bands, nil)
	}
	d.bands[n-1] = newProxyBand(d, n, dataType, blockXSize, blockYSize)
	d.mu.Unlock()
}

// Close 释放代理数据集：关闭自己独占打开的池句柄（若空闲）并
// 归还对池单例的存活引用。幂等。
func (d *ProxyDataset) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	bands := d.bands
	d.mu.Unlock()

	for _, b := range bands {
		if b != nil {
			_ = b.Close()
		}
	}

	pool.CloseDatasetIfZeroRefCount(d.description, d.openOptions, d.owner)
	pool.Unref()
	return nil
}

// refUnderlyingDataset 向池瞬时获取底层句柄。
// 获取以创建该代理的责任标识进行：代理可能被其他 goroutine 使用，
// 但打开动作要记录在创建者的身份之下，这样关闭才能回到同一身份。
func (d *ProxyDataset) refUnderlyingDataset(forceOpen bool) (common.Dataset, *pool.CacheEntry, error) {
	cur := utils.ResponsibleID()
	utils.SetResponsibleID(d.responsibleID)
	entry, err := pool.RefDataset(d.description, d.access, d.openOptions,
		d.shared, forceOpen, d.owner)
	utils.SetResponsibleID(cur)

	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, nil
	}
	if ds := entry.Dataset(); ds != nil {
		return ds, entry, nil
	}
	pool.UnrefDataset(entry)
	return nil, nil, nil
}

func (d *ProxyDataset) unrefUnderlyingDataset(entry *pool.CacheEntry) {
	if entry != nil {
		pool.UnrefDataset(entry)
	}
}

// Description 返回数据集的描述符。
func (d *ProxyDataset) Description() string { return d.description }

// Shared 返回是否以共享模式获取底层句柄。
func (d *ProxyDataset) Shared() bool { return d.shared }

// Owner 返回所有者标签，空串表示无。
func (d *ProxyDataset) Owner() string { return d.owner }

func (d *ProxyDataset) RasterXSize() int { return d.xSize }
func (d *ProxyDataset) RasterYSize() int { return d.ySize }

// RasterCount 返回已描述的波段数量。
func (d *ProxyDataset) RasterCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bands)
}

// RasterBand 返回第 n 个代理波段（从 1 开始编号）。
func (d *ProxyDataset) RasterBand(n int) (*ProxyBand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > len(d.bands) || d.bands[n-1] == nil {
		return nil, errors.Wrapf(utils.ErrBandNotFound, "proxy: band %d", n)
	}
	return d.bands[n-1], nil
}

// FlushCache 转发到底层句柄；句柄当前不在池中时不强制打开。
func (d *ProxyDataset) FlushCache() error {
	uds, entry, err := d.refUnderlyingDataset(false)
	if err != nil {
		return err
	}
	if uds == nil {
		return nil
	}
	ferr := uds.FlushCache()
	d.unrefUnderlyingDataset(entry)
	return ferr
}

// Metadata 返回指定域的元数据列表。
// 首次查询深拷贝入缓存；此后同域查询直接返回缓存副本。
func (d *ProxyDataset) Metadata(domain string) ([]string, error) {
	d.mu.Lock()
	if md, ok := d.metadataCache[domain]; ok {
		d.mu.Unlock()
		return md, nil
	}
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return nil, err
	}
	if uds == nil {
		return nil, nil
	}

	md := common.CloneStringList(uds.Metadata(domain))
	d.unrefUnderlyingDataset(entry)

	d.mu.Lock()
	d.metadataCache[domain] = md
	d.mu.Unlock()
	return md, nil
}

// MetadataItem 返回指定域中一个元数据项。缓存规则与 Metadata 相同。
func (d *ProxyDataset) MetadataItem(name, domain string) (string, bool, error) {
	key := metadataItemKey{name: name, domain: domain}
	d.mu.Lock()
	if v, ok := d.metadataItemCache[key]; ok {
		d.mu.Unlock()
		return v.value, v.ok, nil
	}
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return "", false, err
	}
	if uds == nil {
		return "", false, nil
	}

	value, ok := uds.MetadataItem(name, domain)
	d.unrefUnderlyingDataset(entry)

	d.mu.Lock()
	d.metadataItemCache[key] = metadataItemValue{value: value, ok: ok}
	d.mu.Unlock()
	return value, ok, nil
}

// GeoTransform 返回地理变换。存在构造时给定的覆盖值时直接返回，
// 不访问后端。
func (d *ProxyDataset) GeoTransform() (common.GeoTransform, bool, error) {
	d.mu.Lock()
	if d.hasSrcGeoTransform {
		gt := d.geoTransform
		d.mu.Unlock()
		return gt, true, nil
	}
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return common.GeoTransform{}, false, err
	}
	if uds == nil {
		return common.GeoTransform{}, false, nil
	}
	gt, ok := uds.GeoTransform()
	d.unrefUnderlyingDataset(entry)
	return gt, ok, nil
}

// SetGeoTransform 清除覆盖值并把写操作转发给后端，
// 此后 GeoTransform 重新从后端读取。
func (d *ProxyDataset) SetGeoTransform(gt common.GeoTransform) error {
	d.mu.Lock()
	d.geoTransform = gt
	d.hasSrcGeoTransform = false
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return err
	}
	if uds == nil {
		return nil
	}
	serr := uds.SetGeoTransform(gt)
	d.unrefUnderlyingDataset(entry)
	return serr
}

// SpatialRef 返回空间参考。存在覆盖值时直接返回；
// 否则每次调用都克隆后端结果并替换上一份副本。
func (d *ProxyDataset) SpatialRef() (*common.SpatialRef, error) {
	d.mu.Lock()
	if d.hasSrcSRS {
		srs := d.srs
		d.mu.Unlock()
		return srs, nil
	}
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return nil, err
	}
	if uds == nil {
		return nil, nil
	}
	srs := uds.SpatialRef().Clone()
	d.unrefUnderlyingDataset(entry)

	d.mu.Lock()
	d.srs = srs
	d.mu.Unlock()
	return srs, nil
}

// SetSpatialRef 清除覆盖值并转发写操作。
func (d *ProxyDataset) SetSpatialRef(srs *common.SpatialRef) error {
	d.mu.Lock()
	d.hasSrcSRS = false
	d.srs = srs.Clone()
	d.mu.Unlock()

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return err
	}
	if uds == nil {
		return nil
	}
	serr := uds.SetSpatialRef(srs)
	d.unrefUnderlyingDataset(entry)
	return serr
}

// GCPs 返回控制点列表。后端可能重建列表，因此每次调用都重新获取，
// 返回的是代理自有的深拷贝。
func (d *ProxyDataset) GCPs() ([]common.GCP, error) {
	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return nil, err
	}
	if uds == nil {
		return nil, nil
	}

	gcps := common.CloneGCPs(uds.GCPs())
	d.unrefUnderlyingDataset(entry)

	d.mu.Lock()
	d.gcps = gcps
	d.mu.Unlock()
	return gcps, nil
}

// GCPSpatialRef 返回控制点的空间参考，每次调用克隆替换上一份副本。
func (d *ProxyDataset) GCPSpatialRef() (*common.SpatialRef, error) {
	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return nil, err
	}
	if uds == nil {
		return nil, nil
	}

	srs := uds.GCPSpatialRef().Clone()
	d.unrefUnderlyingDataset(entry)

	d.mu.Lock()
	d.gcpSRS = srs
	d.mu.Unlock()
	return srs, nil
}

// InternalHandle 返回后端的内部句柄。
// 返回值可能在任意时刻随句柄淘汰而失效，只应用于调试，
// 调用方自担风险。
func (d *ProxyDataset) InternalHandle(request string) (interface{}, error) {
	log.Printf("JadeRaster: InternalHandle cannot be safely called on a proxy dataset, "+
		"the returned value may be invalidated at any time (dataset %s)", d.description)

	uds, entry, err := d.refUnderlyingDataset(true)
	if err != nil {
		return nil, err
	}
	if uds == nil {
		return nil, nil
	}
	h := uds.InternalHandle(request)
	d.unrefUnderlyingDataset(entry)
	return h, nil
}

/*
JadeRaster 内存栅格后端

本模块提供 common.Opener / common.Dataset / common.Band 接口的一个
纯内存参考实现。数据集以定义（DatasetDef）的形式注册到后端，
Open 按名称实例化句柄视图。

主要用途：
1. 作为池和代理层的测试后端：记录每个数据集的打开/关闭次数
   以及执行打开/关闭时的责任标识，测试据此验证池的行为
2. 作为后端接口的参考实现：展示打开失败、内存占用估计、
   金字塔与掩膜波段等语义应该如何提供

线程安全：后端自身的注册表由内部锁保护，可并发 Open；
单个数据集句柄遵循接口约定，由池负责其生命周期。
*/

package memraster

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/utils"
)

// BandDef 描述一个波段的静态内容。
type BandDef struct {
	DataType               common.DataType
	BlockXSize, BlockYSize int

	// Fill 是 ReadBlock 返回的填充字节。
	Fill byte

	NoData        *float64
	CategoryNames []string
	UnitType      string
	ColorTable    *common.ColorTable

	// Metadata 域 → 字符串列表；MetadataItems 域 → 名称 → 值。
	Metadata      map[string][]string
	MetadataItems map[string]map[string]string

	// Overviews 金字塔层级，第 n 层的边长是主波段的 1/2^(n+1)。
	Overviews []*BandDef
	// Mask 掩膜波段定义，nil 时 MaskBand 返回一个全有效的默认掩膜。
	Mask      *BandDef
	MaskFlags int
}

// DatasetDef 描述一个可打开的数据集。
// 定义是活的：注册后修改定义内容，会反映到后续的句柄查询上，
// 测试用这一点验证代理层缓存与后端的解耦。
type DatasetDef struct {
	XSize, YSize int
	Bands        []*BandDef

	GeoTransform *common.GeoTransform
	SRSWKT       string
	GCPs         []common.GCP
	GCPSRSWKT    string

	Metadata      map[string][]string
	MetadataItems map[string]map[string]string

	// RAMUsage 报告给池的内存占用估计（字节），0 表示未知。
	RAMUsage int64

	// OpenErr 非 nil 时 Open 直接失败，用于测试打开失败路径。
	OpenErr error
}

// Backend 内存后端：数据集定义注册表加打开/关闭记账。
type Backend struct {
	mu   sync.Mutex
	defs map[string]*DatasetDef

	openCount  map[string]int
	closeCount map[string]int

	// 最近一次打开/关闭该数据集时的责任标识。
	lastOpenID  map[string]int64
	lastCloseID map[string]int64
}

// New 创建一个空的内存后端。
func New() *Backend {
	return &Backend{
		defs:        make(map[string]*DatasetDef),
		openCount:   make(map[string]int),
		closeCount:  make(map[string]int),
		lastOpenID:  make(map[string]int64),
		lastCloseID: make(map[string]int64),
	}
}

// Register 注册（或替换）一个数据集定义。
func (b *Backend) Register(name string, def *DatasetDef) {
	b.mu.Lock()
	b.defs[name] = def
	b.mu.Unlock()
}

// Open 实现 common.Opener。
func (b *Backend) Open(name string, access common.Access, openOptions []string) (common.Dataset, error) {
	b.mu.Lock()
	def, ok := b.defs[name]
	if !ok {
		b.mu.Unlock()
		return nil, errors.Wrapf(utils.ErrDatasetNotFound, "memraster: %s", name)
	}
	if def.OpenErr != nil {
		b.mu.Unlock()
		return nil, def.OpenErr
	}
	b.openCount[name]++
	b.lastOpenID[name] = utils.ResponsibleID()
	b.mu.Unlock()

	return &dataset{backend: b, name: name, def: def, access: access}, nil
}

// OpenCount 返回数据集累计被打开的次数。
func (b *Backend) OpenCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount[name]
}

// CloseCount 返回数据集累计被关闭的次数。
func (b *Backend) CloseCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount[name]
}

// LiveCount 返回当前仍处于打开状态的句柄数量。
func (b *Backend) LiveCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount[name] - b.closeCount[name]
}

// LastOpenResponsibleID 返回最近一次打开该数据集时的责任标识。
func (b *Backend) LastOpenResponsibleID(name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOpenID[name]
}

// LastCloseResponsibleID 返回最近一次关闭该数据集时的责任标识。
func (b *Backend) LastCloseResponsibleID(name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCloseID[name]
}

// dataset 一个已打开的数据集句柄视图。
type dataset struct {
	backend *Backend
	name    string
	def     *DatasetDef
	access  common.Access

	mu     sync.Mutex
	closed bool
}

var errClosed = errors.New("memraster: dataset already closed")

func (d *dataset) RasterXSize() int { return d.def.XSize }
func (d *dataset) RasterYSize() int { return d.def.YSize }
func (d *dataset) RasterCount() int { return len(d.def.Bands) }

func (d *dataset) RasterBand(n int) (common.Band, error) {
	if n < 1 || n > len(d.def.Bands) {
		return nil, errors.Wrapf(utils.ErrBandNotFound, "memraster: band %d of %s", n, d.name)
	}
	bd := d.def.Bands[n-1]
	return &band{ds: d, def: bd, xSize: d.def.XSize, ySize: d.def.YSize}, nil
}

func (d *dataset) GeoTransform() (common.GeoTransform, bool) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if d.def.GeoTransform == nil {
		return common.GeoTransform{}, false
	}
	return *d.def.GeoTransform, true
}

func (d *dataset) SpatialRef() *common.SpatialRef {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if d.def.SRSWKT == "" {
		return nil
	}
	return &common.SpatialRef{WKT: d.def.SRSWKT}
}

func (d *dataset) SetSpatialRef(srs *common.SpatialRef) error {
	if d.access != common.Update {
		return utils.ErrReadOnly
	}
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if srs == nil {
		d.def.SRSWKT = ""
	} else {
		d.def.SRSWKT = srs.WKT
	}
	return nil
}

func (d *dataset) SetGeoTransform(gt common.GeoTransform) error {
	if d.access != common.Update {
		return utils.ErrReadOnly
	}
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.def.GeoTransform = &gt
	return nil
}

func (d *dataset) GCPs() []common.GCP {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return common.CloneGCPs(d.def.GCPs)
}

func (d *dataset) GCPSpatialRef() *common.SpatialRef {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if d.def.GCPSRSWKT == "" {
		return nil
	}
	return &common.SpatialRef{WKT: d.def.GCPSRSWKT}
}

func (d *dataset) Metadata(domain string) []string {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return common.CloneStringList(d.def.Metadata[domain])
}

func (d *dataset) MetadataItem(name, domain string) (string, bool) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	items, ok := d.def.MetadataItems[domain]
	if !ok {
		return "", false
	}
	v, ok := items[name]
	return v, ok
}

func (d *dataset) InternalHandle(request string) interface{} {
	return d.def
}

func (d *dataset) FlushCache() error { return nil }

func (d *dataset) EstimatedRAMUsage() int64 { return d.def.RAMUsage }

func (d *dataset) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.backend.mu.Lock()
	d.backend.closeCount[d.name]++
	d.backend.lastCloseID[d.name] = utils.ResponsibleID()
	d.backend.mu.Unlock()
	return nil
}

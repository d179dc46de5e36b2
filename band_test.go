package JadeRaster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/memraster"
	"github.com/util6/JadeRaster/pool"
)

func newBandBackend() *memraster.Backend {
	backend := memraster.New()
	noData := -9999.0
	backend.Register("img", &memraster.DatasetDef{
		XSize: 64, YSize: 32,
		Bands: []*memraster.BandDef{
			{
				DataType:   common.DTByte,
				BlockXSize: 32, BlockYSize: 16,
				Fill:          7,
				NoData:        &noData,
				CategoryNames: []string{"water"},
				UnitType:      "m",
				ColorTable: &common.ColorTable{
					Interp:  common.PaletteRGB,
					Entries: []common.ColorEntry{{C1: 0, C2: 0, C3: 255, C4: 255}},
				},
				Metadata:      map[string][]string{"": {"STATISTICS_MEAN=12.5"}},
				MetadataItems: map[string]map[string]string{"": {"STATISTICS_MEAN": "12.5"}},
				Overviews: []*memraster.BandDef{
					{DataType: common.DTByte, BlockXSize: 16, BlockYSize: 8, Fill: 9},
				},
				Mask:      &memraster.BandDef{DataType: common.DTByte, BlockXSize: 32, BlockYSize: 16, Fill: 255},
				MaskFlags: 2,
			},
		},
	})
	return backend
}

func TestProxyBandBlockSizeBackfill(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()

	// 以 (0,0) 声明：首次真正获取之前分块大小无效。
	d.AddSrcBandDescription(common.DTByte, 0, 0)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	bx, by := b.BlockSize()
	assert.Zero(t, bx)
	assert.Zero(t, by)

	// 任意一次成功获取都会回填分块大小。
	_, err = b.UnitType()
	require.NoError(t, err)

	bx, by = b.BlockSize()
	assert.Equal(t, 32, bx)
	assert.Equal(t, 16, by)
}

func TestProxyBandPointerCaches(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()
	d.AddSrcBandDescription(common.DTByte, 32, 16)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	names, err := b.CategoryNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"water"}, names)

	unit, err := b.UnitType()
	require.NoError(t, err)
	assert.Equal(t, "m", unit)

	ct, err := b.ColorTable()
	require.NoError(t, err)
	require.NotNil(t, ct)
	assert.Len(t, ct.Entries, 1)

	md, err := b.Metadata("")
	require.NoError(t, err)
	assert.Equal(t, []string{"STATISTICS_MEAN=12.5"}, md)

	item, ok, err := b.MetadataItem("STATISTICS_MEAN", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12.5", item)

	v, ok, err := b.NoDataValue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, -9999.0, v)

	// 淘汰底层句柄并替换内容。
	pool.CloseDatasetIfZeroRefCount("img", nil, "")
	backend.Register("img", &memraster.DatasetDef{
		XSize: 64, YSize: 32,
		Bands: []*memraster.BandDef{
			{
				DataType:   common.DTByte,
				BlockXSize: 32, BlockYSize: 16,
				CategoryNames: []string{"water", "land"},
				UnitType:      "ft",
				Metadata:      map[string][]string{"": {"STATISTICS_MEAN=99"}},
			},
		},
	})

	// 元数据缓存单调：同键查询返回旧副本。
	md, err = b.Metadata("")
	require.NoError(t, err)
	assert.Equal(t, []string{"STATISTICS_MEAN=12.5"}, md)

	item, ok, err = b.MetadataItem("STATISTICS_MEAN", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12.5", item)

	// 分类名称与单位每次调用替换：读到的是新内容。
	names, err = b.CategoryNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"water", "land"}, names)

	unit, err = b.UnitType()
	require.NoError(t, err)
	assert.Equal(t, "ft", unit)
}

func TestProxyBandOverview(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()
	d.AddSrcBandDescription(common.DTByte, 32, 16)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	n, err := b.OverviewCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ov, err := b.Overview(0)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 32, ov.XSize())
	assert.Equal(t, 16, ov.YSize())
	bx, by := ov.BlockSize()
	assert.Equal(t, 16, bx)
	assert.Equal(t, 8, by)

	// 同层金字塔只构造一次。
	ov2, err := b.Overview(0)
	require.NoError(t, err)
	assert.Same(t, ov, ov2)

	// 金字塔操作经由主波段钉住主数据集一次，结束后完全归还。
	buf := make([]byte, 16*8)
	require.NoError(t, ov.ReadBlock(0, 0, buf))
	assert.Equal(t, byte(9), buf[0])
	// 句柄归还后留在池里空闲，引用已完全释放。
	assert.Equal(t, 1, backend.LiveCount("img"))

	_, err = b.Overview(5)
	assert.Error(t, err)
}

func TestProxyBandMask(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()
	d.AddSrcBandDescription(common.DTByte, 32, 16)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	mask, err := b.MaskBand()
	require.NoError(t, err)
	require.NotNil(t, mask)
	assert.Equal(t, common.DTByte, mask.DataType())

	mask2, err := b.MaskBand()
	require.NoError(t, err)
	assert.Same(t, mask, mask2)

	flags, err := b.MaskFlags()
	require.NoError(t, err)
	assert.Equal(t, 2, flags)

	buf := make([]byte, 32*16)
	require.NoError(t, mask.ReadBlock(0, 0, buf))
	assert.Equal(t, byte(255), buf[0])
}

func TestProxyBandExplicitMaskDescription(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()
	d.AddSrcBandDescription(common.DTByte, 32, 16)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	b.AddSrcMaskBandDescription(common.DTByte, 32, 16)

	// 显式描述后，MaskBand 不访问后端。
	mask, err := b.MaskBand()
	require.NoError(t, err)
	require.NotNil(t, mask)
	assert.Zero(t, backend.OpenCount("img"))

	// 掩膜上的实际读取才会打开底层数据集。
	buf := make([]byte, 32*16)
	require.NoError(t, mask.ReadBlock(0, 0, buf))
	assert.Equal(t, byte(255), buf[0])
	assert.Equal(t, 1, backend.OpenCount("img"))
}

func TestProxyBandReadBlock(t *testing.T) {
	backend := newBandBackend()
	setupProxyTest(t, backend)

	d := NewProxyDataset("img", 64, 32, common.ReadOnly, false, "", nil, "")
	defer func() { require.NoError(t, d.Close()) }()
	d.AddSrcBandDescription(common.DTByte, 32, 16)
	b, err := d.RasterBand(1)
	require.NoError(t, err)

	buf := make([]byte, 32*16)
	require.NoError(t, b.ReadBlock(0, 0, buf))
	assert.Equal(t, byte(7), buf[0])

	assert.Error(t, b.ReadBlock(9, 9, buf))

	// 操作之间底层句柄可以被淘汰，下一次操作重新打开。
	pool.CloseDatasetIfZeroRefCount("img", nil, "")
	require.NoError(t, b.ReadBlock(1, 1, buf))
	assert.Equal(t, 2, backend.OpenCount("img"))
}

/*
JadeRaster 内存栅格波段

内存后端的波段句柄视图。波段的生命周期附属于其数据集句柄，
金字塔层级和掩膜波段按需从定义实例化。
*/

package memraster

import (
	"github.com/pkg/errors"
	"github.com/util6/JadeRaster/common"
	"github.com/util6/JadeRaster/utils"
)

type band struct {
	ds           *dataset
	def          *BandDef
	xSize, ySize int
}

func (b *band) DataType() common.DataType { return b.def.DataType }

func (b *band) BlockSize() (int, int) {
	bx, by := b.def.BlockXSize, b.def.BlockYSize
	if bx <= 0 {
		bx = b.xSize
	}
	if by <= 0 {
		by = 1
	}
	return bx, by
}

func (b *band) XSize() int { return b.xSize }
func (b *band) YSize() int { return b.ySize }

func (b *band) Metadata(domain string) []string {
	b.ds.backend.mu.Lock()
	defer b.ds.backend.mu.Unlock()
	return common.CloneStringList(b.def.Metadata[domain])
}

func (b *band) MetadataItem(name, domain string) (string, bool) {
	b.ds.backend.mu.Lock()
	defer b.ds.backend.mu.Unlock()
	items, ok := b.def.MetadataItems[domain]
	if !ok {
		return "", false
	}
	v, ok := items[name]
	return v, ok
}

func (b *band) CategoryNames() []string {
	b.ds.backend.mu.Lock()
	defer b.ds.backend.mu.Unlock()
	return common.CloneStringList(b.def.CategoryNames)
}

func (b *band) UnitType() string {
	b.ds.backend.mu.Lock()
	defer b.ds.backend.mu.Unlock()
	return b.def.UnitType
}

func (b *band) ColorTable() *common.ColorTable {
	b.ds.backend.mu.Lock()
	defer b.ds.backend.mu.Unlock()
	return b.def.ColorTable.Clone()
}

func (b *band) NoDataValue() (float64, bool) {
	if b.def.NoData == nil {
		return 0, false
	}
	return *b.def.NoData, true
}

func (b *band) OverviewCount() int { return len(b.def.Overviews) }

func (b *band) Overview(n int) (common.Band, error) {
	if n < 0 || n >= len(b.def.Overviews) {
		return nil, errors.Wrapf(utils.ErrBandNotFound, "memraster: overview %d", n)
	}
	shift := uint(n + 1)
	ox := b.xSize >> shift
	oy := b.ySize >> shift
	if ox < 1 {
		ox = 1
	}
	if oy < 1 {
		oy = 1
	}
	return &band{ds: b.ds, def: b.def.Overviews[n], xSize: ox, ySize: oy}, nil
}

func (b *band) MaskBand() common.Band {
	if b.def.Mask != nil {
		return &band{ds: b.ds, def: b.def.Mask, xSize: b.xSize, ySize: b.ySize}
	}
	// 无显式掩膜时返回全有效的默认掩膜。
	mask := &BandDef{
		DataType:   common.DTByte,
		BlockXSize: b.def.BlockXSize,
		BlockYSize: b.def.BlockYSize,
		Fill:       255,
	}
	return &band{ds: b.ds, def: mask, xSize: b.xSize, ySize: b.ySize}
}

func (b *band) MaskFlags() int { return b.def.MaskFlags }

func (b *band) ReadBlock(x, y int, buf []byte) error {
	b.ds.mu.Lock()
	closed := b.ds.closed
	b.ds.mu.Unlock()
	if closed {
		return errClosed
	}

	bx, by := b.BlockSize()
	blocksX := (b.xSize + bx - 1) / bx
	blocksY := (b.ySize + by - 1) / by
	if x < 0 || y < 0 || x >= blocksX || y >= blocksY {
		return errors.Errorf("memraster: block (%d,%d) out of range", x, y)
	}
	need := bx * by * b.def.DataType.Size()
	if len(buf) < need {
		return errors.Errorf("memraster: buffer too small: %d < %d", len(buf), need)
	}
	for i := 0; i < need; i++ {
		buf[i] = b.def.Fill
	}
	return nil
}

func (b *band) FlushCache() error { return nil }

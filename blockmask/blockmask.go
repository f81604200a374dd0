package blockmask

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"

	"github.com/flexattn/flexattn/ml"
)

// BlockMask is the compiled block-sparse layout of an attention mask.
// The KV-major tensors are the source of truth: KVNumBlocks [..., R] and
// KVIndices [..., R, C] list, per row of query tiles, which key tiles
// must be computed. When full blocks are tracked separately they carry
// the tiles where the predicate is uniformly true, and KVNumBlocks and
// KVIndices hold only the partial tiles. The Q-major tensors are the
// transposed layout, derived once at construction for kernels that
// iterate over key tiles.
type BlockMask struct {
	KVNumBlocks ml.Tensor
	KVIndices   ml.Tensor

	FullKVNumBlocks ml.Tensor
	FullKVIndices   ml.Tensor

	QNumBlocks ml.Tensor
	QIndices   ml.Tensor

	FullQNumBlocks ml.Tensor
	FullQIndices   ml.Tensor

	blockSize [2]int
	maskMod   MaskMod
}

// FromKVBlocks assembles a BlockMask from a KV-major layout, deriving the
// Q-major views. The full pair is optional but must come together and
// match the partial pair's shape.
func FromKVBlocks(ctx ml.Context, kvNum, kvIdx, fullNum, fullIdx ml.Tensor, blockSize [2]int, maskMod MaskMod) (*BlockMask, error) {
	if kvNum == nil || kvIdx == nil {
		return nil, fmt.Errorf("blockmask: kv blocks are required")
	}
	if (fullNum == nil) != (fullIdx == nil) {
		return nil, fmt.Errorf("blockmask: full block counts and indices must come together")
	}
	if len(kvIdx.Shape()) != len(kvNum.Shape())+1 {
		return nil, fmt.Errorf("blockmask: kv indices rank %d does not extend counts rank %d by one", len(kvIdx.Shape()), len(kvNum.Shape()))
	}
	if len(kvIdx.Shape()) < 2 {
		return nil, fmt.Errorf("blockmask: kv indices must have rank >= 2, got shape %v", kvIdx.Shape())
	}

	if blockSize[0] == 0 && blockSize[1] == 0 {
		blockSize = [2]int{DefaultBlockSize, DefaultBlockSize}
	}
	if blockSize[0] <= 0 || blockSize[1] <= 0 {
		return nil, fmt.Errorf("blockmask: block size must be positive, got %v", blockSize)
	}

	m := &BlockMask{
		KVNumBlocks:     kvNum,
		KVIndices:       kvIdx,
		FullKVNumBlocks: fullNum,
		FullKVIndices:   fullIdx,
		blockSize:       blockSize,
		maskMod:         maskMod,
	}

	var err error
	m.QNumBlocks, m.QIndices, err = TransposeOrdered(ctx, kvNum, kvIdx)
	if err != nil {
		return nil, err
	}

	if fullNum != nil {
		fs, ks := fullIdx.Shape(), kvIdx.Shape()
		if len(fs) != len(ks) {
			return nil, fmt.Errorf("blockmask: full indices shape %v does not match kv indices shape %v", fs, ks)
		}
		for i := range fs {
			if fs[i] != ks[i] {
				return nil, fmt.Errorf("blockmask: full indices shape %v does not match kv indices shape %v", fs, ks)
			}
		}

		m.FullQNumBlocks, m.FullQIndices, err = TransposeOrdered(ctx, fullNum, fullIdx)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// BlockSize returns the (query, key) tile sizes.
func (m *BlockMask) BlockSize() [2]int { return m.blockSize }

// MaskMod returns the predicate the mask was built from, if any. Kernels
// need it to re-evaluate partial tiles at element granularity.
func (m *BlockMask) MaskMod() MaskMod { return m.maskMod }

// AsTuple flattens the mask into its tensor components, KV-major partial,
// KV-major full, Q-major partial, Q-major full. Entries for untracked
// full blocks are nil.
func (m *BlockMask) AsTuple() []ml.Tensor {
	return []ml.Tensor{
		m.KVNumBlocks, m.KVIndices,
		m.FullKVNumBlocks, m.FullKVIndices,
		m.QNumBlocks, m.QIndices,
		m.FullQNumBlocks, m.FullQIndices,
	}
}

func (m *BlockMask) rows() int { return m.KVNumBlocks.Dim(-1) }
func (m *BlockMask) cols() int { return m.KVIndices.Dim(-1) }

// Shape returns the batch dims followed by the padded query and key
// sequence lengths the mask covers.
func (m *BlockMask) Shape() []int {
	shape := m.KVNumBlocks.Shape()
	batch := shape[:len(shape)-1]
	return append(append([]int(nil), batch...), m.rows()*m.blockSize[0], m.cols()*m.blockSize[1])
}

// Numel is the number of mask elements the dense equivalent would hold.
func (m *BlockMask) Numel() int {
	n := 1
	for _, d := range m.Shape() {
		n *= d
	}
	return n
}

// blockGrid reconstructs the Bool grid of computed tiles, partial and
// full combined.
func (m *BlockMask) blockGrid(ctx ml.Context) (ml.Tensor, error) {
	grid, err := OrderedToDense(ctx, m.KVNumBlocks, m.KVIndices)
	if err != nil {
		return nil, err
	}
	if m.FullKVNumBlocks != nil {
		full, err := OrderedToDense(ctx, m.FullKVNumBlocks, m.FullKVIndices)
		if err != nil {
			return nil, err
		}
		grid = grid.LogicalOr(ctx, full)
	}
	return grid, nil
}

// expandGrid blows a Bool tile grid up to element granularity.
func (m *BlockMask) expandGrid(ctx ml.Context, grid ml.Tensor) ml.Tensor {
	shape := grid.Shape()
	rank := len(shape)
	batch := shape[:rank-2]
	r, c := shape[rank-2], shape[rank-1]
	qb, kvb := m.blockSize[0], m.blockSize[1]

	mid := append(append([]int(nil), batch...), r, 1, c, 1)
	wide := append(append([]int(nil), batch...), r, qb, c, kvb)
	out := append(append([]int(nil), batch...), r*qb, c*kvb)

	return grid.Reshape(ctx, mid...).Expand(ctx, wide...).Reshape(ctx, out...)
}

// ToDense expands the mask back to element granularity over the padded
// sequence lengths. When the originating predicate is available and the
// mask keeps its [batch, heads, rows] layout, partial tiles are refined
// by re-evaluating it, so the result cropped to the logical lengths
// equals the dense mask the predicate describes. Without a predicate the
// expansion stays tile granular.
func (m *BlockMask) ToDense(ctx ml.Context) (ml.Tensor, error) {
	partial, err := OrderedToDense(ctx, m.KVNumBlocks, m.KVIndices)
	if err != nil {
		return nil, err
	}
	dense := m.expandGrid(ctx, partial)

	if shape := m.Shape(); m.maskMod != nil && len(shape) == 4 {
		elem, err := CreateMask(ctx, Mask(m.maskMod), shape[0], shape[1], shape[2], shape[3])
		if err != nil {
			return nil, err
		}
		dense = dense.LogicalAnd(ctx, elem)
	}

	if m.FullKVNumBlocks != nil {
		full, err := OrderedToDense(ctx, m.FullKVNumBlocks, m.FullKVIndices)
		if err != nil {
			return nil, err
		}
		dense = dense.LogicalOr(ctx, m.expandGrid(ctx, full))
	}
	return dense, nil
}

// Sparsity is the percentage of tiles that are skipped outright.
func (m *BlockMask) Sparsity() float64 {
	computed := sumI32(m.KVNumBlocks)
	if m.FullKVNumBlocks != nil {
		computed += sumI32(m.FullKVNumBlocks)
	}

	total := int64(1)
	for _, d := range m.KVNumBlocks.Shape() {
		total *= int64(d)
	}
	total *= int64(m.cols())

	if total == 0 {
		return 0
	}
	return 100 * (1 - float64(computed)/float64(total))
}

// To returns the mask on the requested device. Moving requires a context
// hosted there; same-device moves are free.
func (m *BlockMask) To(ctx ml.Context, device ml.Device) (*BlockMask, error) {
	if m.KVNumBlocks.Device() == device {
		out := *m
		return &out, nil
	}
	if ctx.Device() != device {
		return nil, fmt.Errorf("blockmask: context on %s cannot host device %s", ctx.Device(), device)
	}

	move := func(t ml.Tensor) ml.Tensor {
		if t == nil {
			return nil
		}
		return ctx.FromInts(t.Ints(), t.Shape()...)
	}

	return FromKVBlocks(ctx,
		move(m.KVNumBlocks), move(m.KVIndices),
		move(m.FullKVNumBlocks), move(m.FullKVIndices),
		m.blockSize, m.maskMod)
}

// Index narrows the mask along leading batch dims, e.g. mask.Index(ctx, b)
// or mask.Index(ctx, b, h). The tile axes cannot be indexed: a sub-range
// of query tiles has a different predicate footprint and must be rebuilt.
func (m *BlockMask) Index(ctx ml.Context, idx ...int) (*BlockMask, error) {
	nBatch := len(m.KVNumBlocks.Shape()) - 1
	if len(idx) > nBatch {
		return nil, fmt.Errorf("blockmask: %d indices exceed the %d batch dims; the query-tile axis cannot be indexed, rebuild the mask instead", len(idx), nBatch)
	}

	narrow := func(t ml.Tensor) (ml.Tensor, error) {
		if t == nil {
			return nil, nil
		}
		for d, i := range idx {
			size := t.Shape()[d]
			if i < 0 {
				i += size
			}
			if i < 0 || i >= size {
				return nil, fmt.Errorf("blockmask: index %d out of range for dim %d of size %d", idx[d], d, size)
			}
			// keep the dim at size 1, drop them all at the end
			t = t.Narrow(ctx, d, i, 1)
		}
		shape := t.Shape()
		return t.Reshape(ctx, shape[len(idx):]...), nil
	}

	kvNum, err := narrow(m.KVNumBlocks)
	if err != nil {
		return nil, err
	}
	kvIdx, err := narrow(m.KVIndices)
	if err != nil {
		return nil, err
	}
	fullNum, err := narrow(m.FullKVNumBlocks)
	if err != nil {
		return nil, err
	}
	fullIdx, err := narrow(m.FullKVIndices)
	if err != nil {
		return nil, err
	}

	return FromKVBlocks(ctx, kvNum, kvIdx, fullNum, fullIdx, m.blockSize, m.maskMod)
}

func sumI32(t ml.Tensor) int64 {
	var n int64
	for _, v := range t.Ints() {
		n += int64(v)
	}
	return n
}

// gridCells classifies every tile of the first batch and head as empty,
// partial or full, host-side.
func (m *BlockMask) gridCells(ctx ml.Context) ([][]rune, error) {
	r, c := m.rows(), m.cols()

	partial, err := OrderedToDense(ctx, m.KVNumBlocks, m.KVIndices)
	if err != nil {
		return nil, err
	}
	pb := partial.Bools()

	var fb []bool
	if m.FullKVNumBlocks != nil {
		full, err := OrderedToDense(ctx, m.FullKVNumBlocks, m.FullKVIndices)
		if err != nil {
			return nil, err
		}
		fb = full.Bools()
	}

	cells := make([][]rune, r)
	for i := 0; i < r; i++ {
		cells[i] = make([]rune, c)
		for j := 0; j < c; j++ {
			// first batch and head only
			k := i*c + j
			switch {
			case fb != nil && fb[k]:
				cells[i][j] = '█'
			case pb[k]:
				cells[i][j] = '▒'
			default:
				cells[i][j] = '░'
			}
		}
	}
	return cells, nil
}

// Render draws the tile grid of the first batch and head, full blocks
// solid, partial blocks shaded, skipped blocks light.
func (m *BlockMask) Render(ctx ml.Context) (string, error) {
	cells, err := m.gridCells(ctx)
	if err != nil {
		return "", err
	}

	labelW := runewidth.StringWidth(strconv.Itoa(len(cells) - 1))

	var sb strings.Builder
	fmt.Fprintf(&sb, "BlockMask(shape=%v, block_size=%v, sparsity=%.2f%%)\n", m.Shape(), m.blockSize, m.Sparsity())
	for i, row := range cells {
		sb.WriteString(runewidth.FillLeft(strconv.Itoa(i), labelW))
		sb.WriteString(" ")
		for _, cell := range row {
			sb.WriteRune(cell)
			sb.WriteRune(cell)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (m *BlockMask) String() string {
	return fmt.Sprintf("BlockMask(shape=%v, block_size=%v, sparsity=%.2f%%)", m.Shape(), m.blockSize, m.Sparsity())
}

// Summary writes a per-head table of partial and full tile counts. The
// mask must have a [batch, heads, rows] layout.
func (m *BlockMask) Summary(w io.Writer) error {
	shape := m.KVNumBlocks.Shape()
	if len(shape) != 3 {
		return fmt.Errorf("blockmask: summary requires a [batch, heads, rows] layout, got counts shape %v", shape)
	}
	b, h, r := shape[0], shape[1], shape[2]
	c := m.cols()

	partial := m.KVNumBlocks.Ints()
	var full []int32
	if m.FullKVNumBlocks != nil {
		full = m.FullKVNumBlocks.Ints()
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Batch", "Head", "Partial", "Full", "Sparsity"})

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			var p, f int64
			for ri := 0; ri < r; ri++ {
				k := (bi*h+hi)*r + ri
				p += int64(partial[k])
				if full != nil {
					f += int64(full[k])
				}
			}
			total := int64(r * c)
			sparsity := 100 * (1 - float64(p+f)/float64(total))
			table.Append([]string{
				strconv.Itoa(bi),
				strconv.Itoa(hi),
				strconv.FormatInt(p, 10),
				strconv.FormatInt(f, 10),
				fmt.Sprintf("%.2f%%", sparsity),
			})
		}
	}

	table.Render()
	return nil
}

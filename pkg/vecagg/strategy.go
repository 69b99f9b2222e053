package vecagg

import (
	"fmt"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

// hashingStrategy maps grouping key values to dense key indexes. Key index
// zero is reserved and never handed out, the null key gets its own index the
// first time a null shows up.
type hashingStrategy interface {
	Init(policy *GroupingPolicyHash)
	Reset()
	// PrepareForBatch runs once per batch before FillKeyIndexes.
	PrepareForBatch(bs *batch.BatchState)
	// FillKeyIndexes assigns policy._keyIndexes[row] for rows
	// [startRow, endRow). filter nil means every row in the range passes.
	FillKeyIndexes(bs *batch.BatchState, filter *util.Bitmap, startRow, endRow int)
	// EmitKey writes the key of keyIndex into the output row.
	EmitKey(keyIndex uint32, out *batch.RowBuffer)
	SizeBytes() int64
	ExplainName() string
}

func chooseStrategy(groupingCols []GroupingColumn, initialCapacity int) (hashingStrategy, error) {
	if len(groupingCols) == 0 {
		return nil, fmt.Errorf("grouping requires at least one column")
	}
	if len(groupingCols) > 1 {
		return newSerializedKeyStrategy(groupingCols, initialCapacity), nil
	}
	gc := groupingCols[0]
	switch gc.ValueBytes {
	case 2:
		return newFixedKeyStrategy[uint16](gc, initialCapacity), nil
	case 4:
		return newFixedKeyStrategy[uint32](gc, initialCapacity), nil
	case 8:
		return newFixedKeyStrategy[uint64](gc, initialCapacity), nil
	case VarlenWidth:
		return newTextKeyStrategy(gc, initialCapacity), nil
	default:
		return nil, fmt.Errorf("unsupported grouping key width %d", gc.ValueBytes)
	}
}

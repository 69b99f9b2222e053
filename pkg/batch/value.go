package batch

// Value carries a single output cell. Fixed width results live in U64 as raw
// bits, variable length results in Bytes.
type Value struct {
	U64   uint64
	Bytes []byte
}

// RowBuffer receives one emitted row, grouping keys and aggregate results
// addressed by output offset.
type RowBuffer struct {
	Values []Value
	IsNull []bool
}

func NewRowBuffer(width int) *RowBuffer {
	return &RowBuffer{
		Values: make([]Value, width),
		IsNull: make([]bool, width),
	}
}

func (rb *RowBuffer) Reset() {
	for i := range rb.Values {
		rb.Values[i] = Value{}
		rb.IsNull[i] = false
	}
}

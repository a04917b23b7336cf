package lazy

// memorySourceOp backs a Source node directly over rows already held in
// memory — used for literal construction (pkg/sarray.FromValues) and for
// operations whose result is cheaper to compute eagerly than to express as
// a streaming op (sample, topk_index): the result is still exposed as an
// ordinary lazy Source node so it composes with the rest of the graph and
// smart sharing the same way a file-backed source would.
type memorySourceOp struct {
	rows []Row
}

// NewMemorySource builds a Source node over rows already resident in
// memory. The rows slice is not copied; callers must not mutate it after
// the call.
func NewMemorySource(schema []ColumnSchema, rows []Row) *Node {
	return newNode(OpSource, schema, nil, &memorySourceOp{rows: rows})
}

func (m *memorySourceOp) numRows(n *Node) (int64, bool) { return int64(len(m.rows)), true }

func (m *memorySourceOp) instantiate(n *Node, _ *shareContext, _ PaceID, rowStart, rowEnd int64) (RowSource, error) {
	// The engine hands pace-changing subtrees an unbounded range; clamp to
	// the rows actually held.
	total := int64(len(m.rows))
	if rowEnd > total {
		rowEnd = total
	}
	if rowStart > rowEnd {
		rowStart = rowEnd
	}
	return &memoryRowSource{schema: n.Schema, rows: m.rows[rowStart:rowEnd]}, nil
}

type memoryRowSource struct {
	schema []ColumnSchema
	rows   []Row
	idx    int
}

func (m *memoryRowSource) Schema() []ColumnSchema { return m.schema }

func (m *memoryRowSource) Next() (Row, bool, error) {
	if m.idx >= len(m.rows) {
		return nil, false, nil
	}
	row := m.rows[m.idx]
	m.idx++
	return row, true, nil
}

func (m *memoryRowSource) Close() error { return nil }

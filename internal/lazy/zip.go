package lazy

import "github.com/sframecore/engine/pkg/objerrors"

// zipOp row-aligns several children into one wider row stream: output row i
// is the concatenation of child 0's row i, child 1's row i, and so on. This
// is how SFrame column-set assembly (add_column, select_columns over
// differently-sourced columns, join-column assembly) composes independently
// produced single- or multi-column streams into one. Non-pace-changing:
// all children advance in lockstep at the same cadence as the zip node
// itself.
type zipOp struct{}

// NewZip builds a Zip node over children, whose schemas are concatenated in
// order. All children must agree on row count once known.
func NewZip(children ...*Node) (*Node, error) {
	if len(children) == 0 {
		return nil, objerrors.Internal("zip requires at least one child")
	}
	var schema []ColumnSchema
	for _, c := range children {
		schema = append(schema, c.Schema...)
	}
	return newNode(OpZip, schema, children, &zipOp{}), nil
}

func (z *zipOp) numRows(n *Node) (int64, bool) {
	var total int64
	for i, child := range n.Children {
		rows, ok := child.NumRows()
		if !ok {
			return 0, false
		}
		if i == 0 {
			total = rows
		} else if rows != total {
			return 0, false
		}
	}
	return total, true
}

func (z *zipOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	parts := make([]RowSource, len(n.Children))
	for i, child := range n.Children {
		p, err := child.instantiateShared(sc, paces[i], rowStart, rowEnd)
		if err != nil {
			for _, done := range parts[:i] {
				if done != nil {
					done.Close()
				}
			}
			return nil, err
		}
		parts[i] = p
	}
	return &zipRowSource{schema: n.Schema, parts: parts}, nil
}

type zipRowSource struct {
	schema []ColumnSchema
	parts  []RowSource
}

func (z *zipRowSource) Schema() []ColumnSchema { return z.schema }

func (z *zipRowSource) Next() (Row, bool, error) {
	var out Row
	for _, p := range z.parts {
		row, ok, err := p.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		out = append(out, row...)
	}
	return out, true, nil
}

func (z *zipRowSource) Close() error {
	var firstErr error
	for _, p := range z.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

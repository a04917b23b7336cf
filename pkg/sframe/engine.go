package sframe

import (
	"context"

	"github.com/sframecore/engine/internal/groupby"
	"github.com/sframecore/engine/internal/join"
	"github.com/sframecore/engine/internal/sortengine"
)

// Groupby partitions rows by keyNames and evaluates aggs, returning a new
// materialized SFrame. An empty keyNames list produces a single group
// containing every row.
func (f *SFrame) Groupby(keyNames []string, aggs []groupby.AggregatorSpec) (*SFrame, error) {
	node, err := groupby.Run(context.Background(), f.rt, f.node, keyNames, aggs)
	if err != nil {
		return nil, err
	}
	return wrap(f.rt, node), nil
}

// Join matches rows of f and other on the given column-name correspondence,
// returning a new materialized SFrame.
func (f *SFrame) Join(other *SFrame, on []join.ColumnPair, how join.Kind) (*SFrame, error) {
	node, err := join.Join(context.Background(), f.rt, f.node, other.node, on, how)
	if err != nil {
		return nil, err
	}
	return wrap(f.rt, node), nil
}

// Sort orders rows by the given key columns, returning a new materialized
// SFrame.
func (f *SFrame) Sort(keys []sortengine.KeySpec) (*SFrame, error) {
	node, err := sortengine.Sort(context.Background(), f.rt, f.node, keys)
	if err != nil {
		return nil, err
	}
	return wrap(f.rt, node), nil
}

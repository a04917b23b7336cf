// Package groupby implements the multi-pass hash+spill group aggregator
//: partition source rows by a hash of the key tuple into
// buckets, aggregate each bucket in an in-memory hash table keyed by key
// tuple, and spill a bucket's table to temp storage once it exceeds the
// configured row budget, merging spilled runs with the reducer's own
// Combine once all input has been consumed.
package groupby

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/colio"
	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"
)

// AggregatorSpec names one output column: its reducer and the (possibly
// zero, one, or two) input columns it reads from the source, by name.
type AggregatorSpec struct {
	OutputName string
	InputNames []string
	Reducer    Reducer
}

var runCounter atomic.Int64

// Run groups source by keyNames (empty means "one group containing all
// rows") and evaluates aggs, returning a Source node over the
// materialized result.
func Run(ctx context.Context, rtx *rt.Context, source *lazy.Node, keyNames []string, aggs []AggregatorSpec) (*lazy.Node, error) {
	schema := source.Schema
	index := make(map[string]int, len(schema))
	for i, c := range schema {
		index[c.Name] = i
	}

	keyIdx := make([]int, len(keyNames))
	for i, name := range keyNames {
		idx, ok := index[name]
		if !ok {
			return nil, objerrors.ConfigError("groupby: unknown key column").WithColumn(name)
		}
		keyIdx[i] = idx
	}

	inputIdx := make([][]int, len(aggs))
	for i, a := range aggs {
		idxs := make([]int, len(a.InputNames))
		for j, name := range a.InputNames {
			idx, ok := index[name]
			if !ok {
				return nil, objerrors.ConfigError("groupby: unknown input column").WithColumn(name)
			}
			idxs[j] = idx
		}
		inputIdx[i] = idxs
	}

	buckets := rtx.Config.Groupby.Buckets
	if len(keyNames) == 0 {
		buckets = 1
	}
	if buckets < 1 {
		buckets = 1
	}

	runDir := filepath.Join(rtx.WorkDir, fmt.Sprintf("groupby-%d", runCounter.Add(1)))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, objerrors.IoError("mkdir", runDir, err)
	}
	// Spilled runs are consumed during finalize; the directory is removed
	// whether the run completes or is cancelled mid-scan.
	defer os.RemoveAll(runDir)

	eng := &engine{
		rtx: rtx, aggs: aggs, inputIdx: inputIdx, runDir: runDir,
		buckets: make([]*bucket, buckets), rowBudget: rtx.Config.Groupby.RowBudget,
	}
	for i := range eng.buckets {
		eng.buckets[i] = newBucket()
	}

	rows, err := exec.Execute(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for {
		row, ok, err := rows.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		keyVals := make([]value.Value, len(keyIdx))
		for i, idx := range keyIdx {
			keyVals[i] = row[idx]
		}
		h := hashTuple(keyVals)
		b := eng.buckets[h%uint64(len(eng.buckets))]
		if err := eng.addRow(b, h, keyVals, row); err != nil {
			return nil, err
		}
		if b.distinct > eng.rowBudget {
			if err := eng.spill(b); err != nil {
				return nil, err
			}
		}
	}

	// Output schema: key columns (same types as source) then one column
	// per aggregator.
	outSchema := make([]lazy.ColumnSchema, 0, len(keyNames)+len(aggs))
	for i, name := range keyNames {
		outSchema = append(outSchema, lazy.ColumnSchema{Name: name, Type: schema[keyIdx[i]].Type})
	}
	for i, a := range aggs {
		inKinds := make([]value.Kind, len(inputIdx[i]))
		for j, idx := range inputIdx[i] {
			inKinds[j] = schema[idx].Type
		}
		outSchema = append(outSchema, lazy.ColumnSchema{Name: a.OutputName, Type: a.Reducer.OutputKind(inKinds)})
	}

	var outRows [][]value.Value
	for _, b := range eng.buckets {
		merged, err := eng.finalize(b, aggs)
		if err != nil {
			return nil, err
		}
		for _, e := range merged {
			row := make([]value.Value, 0, len(outSchema))
			row = append(row, e.key...)
			for i, a := range aggs {
				v, err := a.Reducer.Emit(e.states[i])
				if err != nil {
					return nil, err
				}
				row = append(row, v)
			}
			outRows = append(outRows, row)
		}
	}

	return materializeRows(rtx, outSchema, outRows)
}

// materializeRows writes each output column to its own column file under
// the engine's work directory and returns a Source node over them,
// matching the materialization the SArray/SFrame layer produces.
func materializeRows(rtx *rt.Context, schema []lazy.ColumnSchema, rows [][]value.Value) (*lazy.Node, error) {
	dir := filepath.Join(rtx.WorkDir, fmt.Sprintf("groupby-out-%d", runCounter.Add(1)))
	readers := make([]lazy.ColumnReader, len(schema))
	for col, colSchema := range schema {
		i := 0
		next := func() (value.Value, bool, error) {
			if i >= len(rows) {
				return value.Value{}, false, nil
			}
			v := rows[i][col]
			i++
			return v, true, nil
		}
		indexPath, err := blockfmt.WriteColumnFile(dir, colSchema.Name, colSchema.Type, next, rtx.Config.BlockFormat, 1)
		if err != nil {
			return nil, err
		}
		mr, _, err := blockfmt.OpenColumnFile(indexPath)
		if err != nil {
			return nil, err
		}
		readers[col] = colio.Multi(mr)
	}
	return lazy.NewSource(schema, readers)
}

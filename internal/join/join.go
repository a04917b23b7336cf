// Package join implements the grace hash join: the smaller side
// becomes the build side, both sides are partitioned by a hash of the join
// keys into buckets sized to the configured join-cells budget, and each
// partition pair is joined by loading the build side into a hash table and
// streaming the probe side against it.
package join

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

// Kind names the four supported join types.
type Kind int

const (
	Inner Kind = iota
	Left
	Right
	Outer
)

// ColumnPair names one matched pair of columns, one from each side, by
// name.
type ColumnPair struct {
	Left  string
	Right string
}

var runCounter atomic.Int64

// Join evaluates left and right fully and returns a Source node over the
// joined result.
func Join(ctx context.Context, rtx *rt.Context, left, right *lazy.Node, on []ColumnPair, how Kind) (*lazy.Node, error) {
	if len(on) == 0 {
		return nil, objerrors.ConfigError("join: at least one column pair is required")
	}

	leftIdx := make(map[string]int, len(left.Schema))
	for i, c := range left.Schema {
		leftIdx[c.Name] = i
	}
	rightIdx := make(map[string]int, len(right.Schema))
	for i, c := range right.Schema {
		rightIdx[c.Name] = i
	}

	leftOn := make([]int, len(on))
	rightOn := make([]int, len(on))
	for i, pair := range on {
		li, ok := leftIdx[pair.Left]
		if !ok {
			return nil, objerrors.ConfigError("join: unknown left column").WithColumn(pair.Left)
		}
		ri, ok := rightIdx[pair.Right]
		if !ok {
			return nil, objerrors.ConfigError("join: unknown right column").WithColumn(pair.Right)
		}
		if left.Schema[li].Type != right.Schema[ri].Type {
			return nil, objerrors.TypeError("join: matched columns have different types").
				WithDetail("left", pair.Left).WithDetail("right", pair.Right)
		}
		leftOn[i] = li
		rightOn[i] = ri
	}

	leftOnSet := toSet(leftOn)
	rightOnSet := toSet(rightOn)
	var leftOther, rightOther []int
	for i := range left.Schema {
		if !leftOnSet[i] {
			leftOther = append(leftOther, i)
		}
	}
	for i := range right.Schema {
		if !rightOnSet[i] {
			rightOther = append(rightOther, i)
		}
	}

	outSchema := buildOutputSchema(left.Schema, right.Schema, on, leftOn, leftOther, rightOther)

	leftRows, err := rowCount(ctx, left)
	if err != nil {
		return nil, err
	}
	rightRows, err := rowCount(ctx, right)
	if err != nil {
		return nil, err
	}
	leftCells := leftRows * int64(len(left.Schema))
	rightCells := rightRows * int64(len(right.Schema))

	budget := rtx.Config.Join.CellsBudget
	maxCells := leftCells
	if rightCells > maxCells {
		maxCells = rightCells
	}
	partitions := int(maxCells/budget) + 1
	if partitions < 1 {
		partitions = 1
	}
	const maxPartitions = 1024
	if partitions > maxPartitions {
		partitions = maxPartitions
	}

	buildIsLeft := leftCells <= rightCells

	runDir := filepath.Join(rtx.WorkDir, fmt.Sprintf("join-%d", runCounter.Add(1)))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, objerrors.IoError("mkdir", runDir, err)
	}
	// Partition files are consumed per bucket pair; the directory is
	// removed whether the join completes or is cancelled mid-stream.
	defer os.RemoveAll(runDir)

	leftParts, err := scatterByKey(left, leftOn, runDir, "left", partitions)
	if err != nil {
		return nil, err
	}
	rightParts, err := scatterByKey(right, rightOn, runDir, "right", partitions)
	if err != nil {
		return nil, err
	}

	leftPreserve := how == Left || how == Outer
	rightPreserve := how == Right || how == Outer

	var outRows [][]value.Value
	for p := 0; p < partitions; p++ {
		leftRowsP, err := readPartitionRows(leftParts[p])
		if err != nil {
			return nil, err
		}
		rightRowsP, err := readPartitionRows(rightParts[p])
		if err != nil {
			return nil, err
		}

		var buildRows, probeRows [][]value.Value
		var buildOnIdx, probeOnIdx []int
		if buildIsLeft {
			buildRows, probeRows = leftRowsP, rightRowsP
			buildOnIdx, probeOnIdx = leftOn, rightOn
		} else {
			buildRows, probeRows = rightRowsP, leftRowsP
			buildOnIdx, probeOnIdx = rightOn, leftOn
		}

		buildIndex := make(map[uint64][]int, len(buildRows))
		for i, row := range buildRows {
			h := hashTuple(keyTuple(row, buildOnIdx))
			buildIndex[h] = append(buildIndex[h], i)
		}
		buildMatched := make([]bool, len(buildRows))

		for _, probeRow := range probeRows {
			key := keyTuple(probeRow, probeOnIdx)
			h := hashTuple(key)
			found := false
			for _, bi := range buildIndex[h] {
				if tupleEqual(keyTuple(buildRows[bi], buildOnIdx), key) {
					found = true
					buildMatched[bi] = true
					var lRow, rRow []value.Value
					if buildIsLeft {
						lRow, rRow = buildRows[bi], probeRow
					} else {
						lRow, rRow = probeRow, buildRows[bi]
					}
					outRows = append(outRows, combine(lRow, rRow, leftOn, rightOn, leftOther, rightOther))
				}
			}
			if !found {
				probeIsLeft := !buildIsLeft
				preserve := rightPreserve
				if probeIsLeft {
					preserve = leftPreserve
				}
				if preserve {
					var lRow, rRow []value.Value
					if probeIsLeft {
						lRow = probeRow
					} else {
						rRow = probeRow
					}
					outRows = append(outRows, combine(lRow, rRow, leftOn, rightOn, leftOther, rightOther))
				}
			}
		}

		preserveBuild := leftPreserve
		if !buildIsLeft {
			preserveBuild = rightPreserve
		}
		if preserveBuild {
			for i, matched := range buildMatched {
				if matched {
					continue
				}
				var lRow, rRow []value.Value
				if buildIsLeft {
					lRow = buildRows[i]
				} else {
					rRow = buildRows[i]
				}
				outRows = append(outRows, combine(lRow, rRow, leftOn, rightOn, leftOther, rightOther))
			}
		}
	}

	return materializeRows(rtx, outSchema, outRows)
}

func toSet(idx []int) map[int]bool {
	s := make(map[int]bool, len(idx))
	for _, i := range idx {
		s[i] = true
	}
	return s
}

// buildOutputSchema places matched key columns first (named after the left
// side), then left's remaining columns, then right's remaining columns;
// right-side names colliding with an already-used output name get a ".1",
// ".2", ... suffix.
func buildOutputSchema(leftSchema, rightSchema []lazy.ColumnSchema, on []ColumnPair, leftOn, leftOther, rightOther []int) []lazy.ColumnSchema {
	used := make(map[string]bool)
	var out []lazy.ColumnSchema
	for i, li := range leftOn {
		name := on[i].Left
		out = append(out, lazy.ColumnSchema{Name: name, Type: leftSchema[li].Type})
		used[name] = true
	}
	for _, li := range leftOther {
		out = append(out, leftSchema[li])
		used[leftSchema[li].Name] = true
	}
	for _, ri := range rightOther {
		name := rightSchema[ri].Name
		final := name
		for n := 1; used[final]; n++ {
			final = fmt.Sprintf("%s.%d", name, n)
		}
		out = append(out, lazy.ColumnSchema{Name: final, Type: rightSchema[ri].Type})
		used[final] = true
	}
	return out
}

func combine(lRow, rRow []value.Value, leftOn, rightOn, leftOther, rightOther []int) []value.Value {
	out := make([]value.Value, 0, len(leftOn)+len(leftOther)+len(rightOther))
	for i, li := range leftOn {
		if lRow != nil {
			out = append(out, lRow[li])
		} else {
			out = append(out, rRow[rightOn[i]])
		}
	}
	for _, li := range leftOther {
		if lRow != nil {
			out = append(out, lRow[li])
		} else {
			out = append(out, value.NewUndefined())
		}
	}
	for _, ri := range rightOther {
		if rRow != nil {
			out = append(out, rRow[ri])
		} else {
			out = append(out, value.NewUndefined())
		}
	}
	return out
}

func keyTuple(row []value.Value, idx []int) []value.Value {
	key := make([]value.Value, len(idx))
	for i, j := range idx {
		key[i] = row[j]
	}
	return key
}

func tupleEqual(a, b []value.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func hashTuple(vals []value.Value) uint64 {
	h := uint64(1469598103934665603)
	for _, v := range vals {
		h ^= v.Hash64()
		h *= 1099511628211
	}
	return h
}

func rowCount(ctx context.Context, node *lazy.Node) (int64, error) {
	if n, ok := node.NumRows(); ok {
		return n, nil
	}
	rows, err := exec.Execute(ctx, node, 1)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	for {
		_, ok, err := rows.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

func scatterByKey(node *lazy.Node, onIdx []int, runDir, label string, partitions int) ([]string, error) {
	writers := make([]*blockfmt.SpillWriter, partitions)
	paths := make([]string, partitions)
	for i := range writers {
		path := filepath.Join(runDir, fmt.Sprintf("%s-%d.spill", label, i))
		f, err := os.Create(path)
		if err != nil {
			closeAll(writers)
			return nil, objerrors.IoError("create", path, err)
		}
		writers[i] = blockfmt.NewSpillWriter(f)
		paths[i] = path
	}

	rows, err := exec.Execute(context.Background(), node, 1)
	if err != nil {
		closeAll(writers)
		return nil, err
	}
	defer rows.Close()
	for {
		row, ok, err := rows.Next()
		if err != nil {
			closeAll(writers)
			return nil, err
		}
		if !ok {
			break
		}
		h := hashTuple(keyTuple(row, onIdx))
		if err := writers[h%uint64(partitions)].WriteRecord(row); err != nil {
			closeAll(writers)
			return nil, err
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func closeAll(writers []*blockfmt.SpillWriter) {
	for _, w := range writers {
		if w != nil {
			w.Close()
		}
	}
}

func readPartitionRows(path string) ([][]value.Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err)
	}
	r := blockfmt.NewSpillReader(f)
	defer r.Close()
	var rows [][]value.Value
	for {
		rec, ok, err := r.ReadRecord()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, rec)
	}
	_ = os.Remove(path)
	return rows, nil
}

// materializeRows writes outRows to one column file per schema column and
// returns a Source node over the result.
func materializeRows(rtx *rt.Context, schema []lazy.ColumnSchema, rows [][]value.Value) (*lazy.Node, error) {
	dir := filepath.Join(rtx.WorkDir, fmt.Sprintf("join-out-%d", runCounter.Add(1)))
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

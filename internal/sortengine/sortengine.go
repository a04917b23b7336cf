// Package sortengine implements the quantile-sketch-guided scatter sort
//: estimate total size, sort in memory when it fits the
// configured buffer, otherwise scatter rows into roughly-ordered partition
// files using pivots derived from a bounded sample, sort each partition, and
// concatenate.
package sortengine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/colio"
	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"
)

// KeySpec names one sort key column and its direction.
type KeySpec struct {
	ColumnName string
	Ascending  bool
}

const cellBytesEstimate = 64

var runCounter atomic.Int64

// Sort evaluates source fully and returns a Source node over the result in
// key order.
func Sort(ctx context.Context, rtx *rt.Context, source *lazy.Node, keys []KeySpec) (*lazy.Node, error) {
	if len(keys) == 0 {
		return nil, objerrors.ConfigError("sort: at least one key column is required")
	}
	schema := source.Schema
	index := make(map[string]int, len(schema))
	for i, c := range schema {
		index[c.Name] = i
	}
	keyIdx := make([]int, len(keys))
	ascending := make([]bool, len(keys))
	for i, k := range keys {
		idx, ok := index[k.ColumnName]
		if !ok {
			return nil, objerrors.ConfigError("sort: unknown key column").WithColumn(k.ColumnName)
		}
		keyIdx[i] = idx
		ascending[i] = k.Ascending
	}

	sampleSize := rtx.Config.Sort.PivotSampleSize
	sampler := newReservoirSampler(sampleSize)

	rows1, err := exec.Execute(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	var total int64
	for {
		row, ok, err := rows1.Next()
		if err != nil {
			rows1.Close()
			return nil, err
		}
		if !ok {
			break
		}
		sampler.offer(keyTuple(row, keyIdx))
		total++
	}
	rows1.Close()

	estimate := total * int64(len(schema)) * cellBytesEstimate

	if estimate <= rtx.Config.Sort.BufferBytes {
		rows, err := collectAll(ctx, source)
		if err != nil {
			return nil, err
		}
		sortRows(rows, keyIdx, ascending)
		return materializeRows(rtx, schema, rows)
	}

	pivots := derivePivots(sampler.sample, ascending, rtx.Config.Sort.MaxSortSegments)
	if len(pivots) == 0 {
		// Every sampled key is identical: the input is already effectively
		// sorted with respect to these keys.
		return source, nil
	}

	runDir := filepath.Join(rtx.WorkDir, fmt.Sprintf("sort-%d", runCounter.Add(1)))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, objerrors.IoError("mkdir", runDir, err)
	}
	// Partition files are consumed below; the directory is removed whether
	// the sort completes or is cancelled mid-scatter.
	defer os.RemoveAll(runDir)

	partitions := make([]*partitionWriter, len(pivots)+1)
	for i := range partitions {
		path := filepath.Join(runDir, fmt.Sprintf("part-%d.spill", i))
		f, err := os.Create(path)
		if err != nil {
			for _, p := range partitions {
				if p != nil {
					p.w.Close()
				}
			}
			return nil, objerrors.IoError("create", path, err)
		}
		partitions[i] = &partitionWriter{path: path, w: blockfmt.NewSpillWriter(f)}
	}

	rows2, err := exec.Execute(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	for {
		row, ok, err := rows2.Next()
		if err != nil {
			rows2.Close()
			return nil, err
		}
		if !ok {
			break
		}
		key := keyTuple(row, keyIdx)
		p := partitionFor(key, pivots, ascending)
		if err := partitions[p].w.WriteRecord(row); err != nil {
			rows2.Close()
			return nil, err
		}
	}
	rows2.Close()
	for _, p := range partitions {
		if err := p.w.Close(); err != nil {
			return nil, err
		}
	}

	// Each partition file is internally unordered; it is sorted here before
	// concatenation.
	var outRows [][]value.Value
	for _, p := range partitions {
		part, err := readPartition(p.path)
		if err != nil {
			return nil, err
		}
		sortRows(part, keyIdx, ascending)
		outRows = append(outRows, part...)
		_ = os.Remove(p.path)
	}

	return materializeRows(rtx, schema, outRows)
}

type partitionWriter struct {
	path string
	w    *blockfmt.SpillWriter
}

func readPartition(path string) ([][]value.Value, error) {
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
	return rows, nil
}

func keyTuple(row []value.Value, keyIdx []int) []value.Value {
	key := make([]value.Value, len(keyIdx))
	for i, idx := range keyIdx {
		key[i] = row[idx]
	}
	return key
}

// compareKeys orders two key tuples by the given per-column directions.
func compareKeys(a, b []value.Value, ascending []bool) int {
	for i := range a {
		cmp, ok := a[i].Compare(b[i])
		if !ok {
			continue
		}
		if !ascending[i] {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

func sortRows(rows [][]value.Value, keyIdx []int, ascending []bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		return compareKeys(keyTuple(rows[i], keyIdx), keyTuple(rows[j], keyIdx), ascending) < 0
	})
}

// reservoirSampler keeps a uniform random sample of up to capacity key
// tuples out of an unbounded stream, used to estimate quantile pivots
// without holding every row.
type reservoirSampler struct {
	capacity int
	sample   [][]value.Value
	seen     int64
	rng      *rand.Rand
}

func newReservoirSampler(capacity int) *reservoirSampler {
	if capacity < 1 {
		capacity = 1
	}
	return &reservoirSampler{capacity: capacity, rng: rand.New(rand.NewSource(1))}
}

func (s *reservoirSampler) offer(key []value.Value) {
	s.seen++
	if len(s.sample) < s.capacity {
		s.sample = append(s.sample, key)
		return
	}
	j := s.rng.Int63n(s.seen)
	if j < int64(s.capacity) {
		s.sample[j] = key
	}
}

// derivePivots sorts the sample and picks up to maxPartitions-1 evenly
// spaced pivots. Returns nil when every sampled key is
// identical.
func derivePivots(sample [][]value.Value, ascending []bool, maxPartitions int) [][]value.Value {
	if len(sample) == 0 {
		return nil
	}
	cp := append([][]value.Value(nil), sample...)
	sort.SliceStable(cp, func(i, j int) bool { return compareKeys(cp[i], cp[j], ascending) < 0 })

	if compareKeys(cp[0], cp[len(cp)-1], ascending) == 0 {
		return nil
	}

	if maxPartitions < 2 {
		maxPartitions = 2
	}
	numPivots := maxPartitions - 1
	if numPivots > len(cp)-1 {
		numPivots = len(cp) - 1
	}
	if numPivots < 1 {
		numPivots = 1
	}

	pivots := make([][]value.Value, 0, numPivots)
	seenPivot := func(v []value.Value) bool {
		for _, p := range pivots {
			if compareKeys(p, v, ascending) == 0 {
				return true
			}
		}
		return false
	}
	for i := 1; i <= numPivots; i++ {
		idx := i * len(cp) / (numPivots + 1)
		if idx >= len(cp) {
			idx = len(cp) - 1
		}
		candidate := cp[idx]
		if !seenPivot(candidate) {
			pivots = append(pivots, candidate)
		}
	}
	if len(pivots) == 0 {
		return nil
	}
	return pivots
}

// partitionFor returns the index of the partition key belongs to: the
// number of pivots that key is greater than, in ascending-key order.
func partitionFor(key []value.Value, pivots [][]value.Value, ascending []bool) int {
	lo, hi := 0, len(pivots)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(key, pivots[mid], ascending) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func collectAll(ctx context.Context, source *lazy.Node) ([][]value.Value, error) {
	rows, err := exec.Execute(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]value.Value
	for {
		row, ok, err := rows.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, row)
	}
	return out, nil
}

// materializeRows writes rows to one column file per schema column under the
// engine's work directory and returns a Source node over the result.
func materializeRows(rtx *rt.Context, schema []lazy.ColumnSchema, rows [][]value.Value) (*lazy.Node, error) {
	dir := filepath.Join(rtx.WorkDir, fmt.Sprintf("sort-out-%d", runCounter.Add(1)))
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

package groupby

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"
)

// groupEntry holds one distinct key's per-aggregator state.
type groupEntry struct {
	key    []value.Value
	states [][]value.Value
}

// bucket is one of the groupby's hash-partitioned shards: an in-memory
// table of groups seen since the last spill, plus the paths of any earlier
// spilled runs.
type bucket struct {
	groups   map[uint64][]*groupEntry
	distinct int
	runs     []string
}

func newBucket() *bucket {
	return &bucket{groups: make(map[uint64][]*groupEntry)}
}

type engine struct {
	rtx       *rt.Context
	aggs      []AggregatorSpec
	inputIdx  [][]int
	runDir    string
	buckets   []*bucket
	rowBudget int
	spillSeq  int
}

// findOrCreate locates the group matching key within b's in-memory table
// (using hash h for bucketing and Equal for collision resolution), creating
// a fresh one (with every reducer initialized) if none matches.
func (e *engine) findOrCreate(b *bucket, h uint64, key []value.Value) *groupEntry {
	for _, cand := range b.groups[h] {
		if tupleEqual(cand.key, key) {
			return cand
		}
	}
	states := make([][]value.Value, len(e.aggs))
	for i, a := range e.aggs {
		states[i] = a.Reducer.Init()
	}
	entry := &groupEntry{key: append([]value.Value(nil), key...), states: states}
	b.groups[h] = append(b.groups[h], entry)
	b.distinct++
	return entry
}

// addRow folds row into the group keyed by keyVals within b, initializing a
// fresh group if this is the first row seen for that key.
func (e *engine) addRow(b *bucket, h uint64, keyVals []value.Value, row []value.Value) error {
	entry := e.findOrCreate(b, h, keyVals)
	for i, a := range e.aggs {
		inputs := gatherInputs(row, e.inputIdx[i])
		state, err := a.Reducer.Add(entry.states[i], inputs)
		if err != nil {
			return err
		}
		entry.states[i] = state
	}
	return nil
}

// gatherInputs extracts a reducer's declared input columns from row; the
// distinguished empty-name input (no input columns declared, e.g. count())
// is passed a single Undefined value.
func gatherInputs(row []value.Value, idx []int) []value.Value {
	if len(idx) == 0 {
		return []value.Value{value.NewUndefined()}
	}
	out := make([]value.Value, len(idx))
	for i, col := range idx {
		out[i] = row[col]
	}
	return out
}

// spill flushes b's in-memory table to a new run file under the engine's
// run directory and resets the table, so the bucket's resident memory never
// grows past rowBudget distinct groups at a time.
func (e *engine) spill(b *bucket) error {
	e.spillSeq++
	path := filepath.Join(e.runDir, fmt.Sprintf("run-%d.spill", e.spillSeq))
	f, err := os.Create(path)
	if err != nil {
		return objerrors.IoError("create", path, err)
	}
	w := blockfmt.NewSpillWriter(f)

	for _, entries := range b.groups {
		for _, entry := range entries {
			rec := []value.Value{value.NewInteger(int64(len(entry.key)))}
			rec = append(rec, entry.key...)
			for _, s := range entry.states {
				rec = append(rec, value.NewInteger(int64(len(s))))
				rec = append(rec, s...)
			}
			if err := w.WriteRecord(rec); err != nil {
				w.Close()
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	b.runs = append(b.runs, path)
	b.groups = make(map[uint64][]*groupEntry)
	b.distinct = 0
	return nil
}

// finalize merges b's resident groups with every spilled run, combining
// states for keys that recur across runs.
func (e *engine) finalize(b *bucket, aggs []AggregatorSpec) ([]*groupEntry, error) {
	merged := make(map[uint64][]*groupEntry)

	mergeIn := func(h uint64, key []value.Value, states [][]value.Value) error {
		for _, cand := range merged[h] {
			if tupleEqual(cand.key, key) {
				for i, a := range aggs {
					combined, err := a.Reducer.Combine(cand.states[i], states[i])
					if err != nil {
						return err
					}
					cand.states[i] = combined
				}
				return nil
			}
		}
		merged[h] = append(merged[h], &groupEntry{key: key, states: states})
		return nil
	}

	for h, entries := range b.groups {
		for _, entry := range entries {
			if err := mergeIn(h, entry.key, entry.states); err != nil {
				return nil, err
			}
		}
	}

	for _, path := range b.runs {
		if err := e.mergeRun(path, aggs, mergeIn); err != nil {
			return nil, err
		}
	}

	var out []*groupEntry
	for _, entries := range merged {
		out = append(out, entries...)
	}
	return out, nil
}

func (e *engine) mergeRun(path string, aggs []AggregatorSpec, mergeIn func(uint64, []value.Value, [][]value.Value) error) error {
	f, err := os.Open(path)
	if err != nil {
		return objerrors.OpenError(path, err)
	}
	r := blockfmt.NewSpillReader(f)
	defer r.Close()

	for {
		rec, ok, err := r.ReadRecord()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		pos := 0
		keyLen := int(mustInt(rec[pos]))
		pos++
		key := rec[pos: pos+keyLen]
		pos += keyLen

		states := make([][]value.Value, len(aggs))
		for i := range aggs {
			n := int(mustInt(rec[pos]))
			pos++
			states[i] = rec[pos: pos+n]
			pos += n
		}
		if err := mergeIn(hashTuple(key), key, states); err != nil {
			return err
		}
	}
	return nil
}

func mustInt(v value.Value) int64 {
	i, _ := v.AsInteger()
	return i
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

// hashTuple combines each key field's Hash64 into one bucket/lookup hash
// via an FNV-style fold (order-sensitive, appropriate since key tuples are
// positional, unlike the flexible value's own order-independent dict
// hashing).
func hashTuple(vals []value.Value) uint64 {
	h := uint64(1469598103934665603)
	for _, v := range vals {
		h ^= v.Hash64()
		h *= 1099511628211
	}
	return h
}

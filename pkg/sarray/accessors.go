package sarray

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// DictKeys returns, for a Dict-typed SArray, a List-typed SArray of each
// row's keys.
func (a *SArray) DictKeys() (*SArray, error) {
	if a.dtype != value.Dict {
		return nil, objerrors.TypeError("dict_keys: column is not a dict").WithDetail("dtype", a.dtype.String())
	}
	return a.Transform(func(v value.Value) (value.Value, error) {
		if v.IsNA() {
			return v, nil
		}
		entries, _ := v.AsDict()
		keys := make([]value.Value, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
		}
		return value.NewList(keys), nil
	}, value.List), nil
}

// DictValues returns each row's values as a List.
func (a *SArray) DictValues() (*SArray, error) {
	if a.dtype != value.Dict {
		return nil, objerrors.TypeError("dict_values: column is not a dict").WithDetail("dtype", a.dtype.String())
	}
	return a.Transform(func(v value.Value) (value.Value, error) {
		if v.IsNA() {
			return v, nil
		}
		entries, _ := v.AsDict()
		vals := make([]value.Value, len(entries))
		for i, e := range entries {
			vals[i] = e.Val
		}
		return value.NewList(vals), nil
	}, value.List), nil
}

// ItemLength returns, for a Dict or List typed SArray, an Integer SArray of
// each row's element count.
func (a *SArray) ItemLength() (*SArray, error) {
	switch a.dtype {
	case value.Dict:
		return a.Transform(func(v value.Value) (value.Value, error) {
			if v.IsNA() {
				return v, nil
			}
			entries, _ := v.AsDict()
			return value.NewInteger(int64(len(entries))), nil
		}, value.Integer), nil
	case value.List:
		return a.Transform(func(v value.Value) (value.Value, error) {
			if v.IsNA() {
				return v, nil
			}
			items, _ := v.AsList()
			return value.NewInteger(int64(len(items))), nil
		}, value.Integer), nil
	default:
		return nil, objerrors.TypeError("item_length: column is not a dict or list").WithDetail("dtype", a.dtype.String())
	}
}

// TrimByKeys returns a Dict SArray keeping (exclude=false) or dropping
// (exclude=true) entries whose key is in keys.
func (a *SArray) TrimByKeys(keys []value.Value, exclude bool) (*SArray, error) {
	if a.dtype != value.Dict {
		return nil, objerrors.TypeError("trim_by_keys: column is not a dict").WithDetail("dtype", a.dtype.String())
	}
	want := make(map[uint64][]value.Value)
	for _, k := range keys {
		h := k.Hash64()
		want[h] = append(want[h], k)
	}
	member := func(k value.Value) bool {
		for _, cand := range want[k.Hash64()] {
			if cand.Equal(k) {
				return true
			}
		}
		return false
	}
	return a.Transform(func(v value.Value) (value.Value, error) {
		if v.IsNA() {
			return v, nil
		}
		entries, _ := v.AsDict()
		var kept []value.DictEntry
		for _, e := range entries {
			if member(e.Key) != exclude {
				kept = append(kept, e)
			}
		}
		return value.NewDict(kept), nil
	}, value.Dict), nil
}

// Unpack expands a Dict or List typed SArray into one SArray per resulting
// logical column name, mirroring the SFrame unpack/expand surface. Dict
// rows contribute one output per distinct key seen anywhere in the column
// (sorted for determinism); missing keys in a given row yield
// Undefined. List rows contribute one output per index up to the longest
// row, typed as the declared dtype of that column's first non-missing
// element (Undefined if the whole column is empty at that index).
func (a *SArray) Unpack(keySep string) ([]string, []*SArray, error) {
	rows, err := a.Collect()
	if err != nil {
		return nil, nil, err
	}
	switch a.dtype {
	case value.Dict:
		return a.unpackDict(rows, keySep)
	case value.List:
		return a.unpackList(rows)
	default:
		return nil, nil, objerrors.TypeError("unpack: column is not a dict or list").WithDetail("dtype", a.dtype.String())
	}
}

func (a *SArray) unpackDict(rows []value.Value, keySep string) ([]string, []*SArray, error) {
	seen := map[string]bool{}
	var names []string
	for _, row := range rows {
		if row.IsNA() {
			continue
		}
		entries, _ := row.AsDict()
		for _, e := range entries {
			name := keySep + e.Key.String()
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	cols := make([][]value.Value, len(names))
	colTypes := make([]value.Kind, len(names))
	for i := range cols {
		cols[i] = make([]value.Value, len(rows))
		for r := range cols[i] {
			cols[i][r] = value.NewUndefined()
		}
	}
	for r, row := range rows {
		if row.IsNA() {
			continue
		}
		entries, _ := row.AsDict()
		for _, e := range entries {
			name := keySep + e.Key.String()
			idx := sort.SearchStrings(names, name)
			if idx < len(names) && names[idx] == name {
				cols[idx][r] = e.Val
				if colTypes[idx] == value.Undefined && !e.Val.IsNA() {
					colTypes[idx] = e.Val.Kind()
				}
			}
		}
	}

	out := make([]*SArray, len(names))
	for i, col := range cols {
		out[i] = FromValues(a.rt, colTypes[i], col)
	}
	return names, out, nil
}

func (a *SArray) unpackList(rows []value.Value) ([]string, []*SArray, error) {
	maxLen := 0
	for _, row := range rows {
		if row.IsNA() {
			continue
		}
		items, _ := row.AsList()
		if len(items) > maxLen {
			maxLen = len(items)
		}
	}

	names := make([]string, maxLen)
	cols := make([][]value.Value, maxLen)
	colTypes := make([]value.Kind, maxLen)
	for i := range cols {
		names[i] = strconv.Itoa(i)
		cols[i] = make([]value.Value, len(rows))
		for r := range cols[i] {
			cols[i][r] = value.NewUndefined()
		}
	}
	for r, row := range rows {
		if row.IsNA() {
			continue
		}
		items, _ := row.AsList()
		for i, v := range items {
			cols[i][r] = v
			if colTypes[i] == value.Undefined && !v.IsNA() {
				colTypes[i] = v.Kind()
			}
		}
	}

	out := make([]*SArray, maxLen)
	for i, col := range cols {
		out[i] = FromValues(a.rt, colTypes[i], col)
	}
	return names, out, nil
}

// NgramCounts returns, for a String-typed SArray, a Dict SArray mapping each
// row's n-grams (word n-grams when wordLevel, character n-grams otherwise)
// to their occurrence count.
func (a *SArray) NgramCounts(n int, wordLevel bool) (*SArray, error) {
	if a.dtype != value.String {
		return nil, objerrors.TypeError("ngram_counts: column is not a string").WithDetail("dtype", a.dtype.String())
	}
	if n < 1 {
		return nil, objerrors.RangeError("ngram_counts: n must be >= 1")
	}
	return a.Transform(func(v value.Value) (value.Value, error) {
		if v.IsNA() {
			return v, nil
		}
		s, _ := v.AsString()
		var tokens []string
		if wordLevel {
			tokens = strings.Fields(s)
		} else {
			tokens = strings.Split(s, "")
		}
		counts := make(map[string]int64)
		var order []string
		for i := 0; i+n <= len(tokens); i++ {
			gram := strings.Join(tokens[i:i+n], " ")
			if _, ok := counts[gram]; !ok {
				order = append(order, gram)
			}
			counts[gram]++
		}
		entries := make([]value.DictEntry, len(order))
		for i, g := range order {
			entries[i] = value.DictEntry{Key: value.NewString(g), Val: value.NewInteger(counts[g])}
		}
		return value.NewDict(entries), nil
	}, value.Dict), nil
}

// BagOfWords returns word-level unigram counts, equivalent to NgramCounts(1, true).
func (a *SArray) BagOfWords() (*SArray, error) {
	return a.NgramCounts(1, true)
}

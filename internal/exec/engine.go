// Package exec implements the pull-based parallel execution engine: given
// a lazy tree root and a degree of parallelism, it produces a single
// ordered row iterator backed by D concurrent workers, each reading an
// independent row range directly from the leaf column files.
package exec

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
)

// rowRange is one worker's [lo, hi) row range over root's output.
type rowRange struct{ lo, hi int64 }

// planRanges splits [0, total) into up to degree near-equal ranges, or
// returns a single unbounded range when total is not known in advance
// (a pace-changing operator upstream of root), in which case the engine
// runs single-threaded.
func planRanges(root *lazy.Node, degree int) []rowRange {
	if degree < 1 {
		degree = 1
	}
	total, ok := root.NumRows()
	if !ok || total <= 0 {
		if !ok {
			return []rowRange{{0, int64(^uint64(0) >> 1)}}
		}
		return nil
	}
	if int64(degree) > total {
		degree = int(total)
	}
	ranges := make([]rowRange, degree)
	base := total / int64(degree)
	rem := total % int64(degree)
	var cursor int64
	for i := 0; i < degree; i++ {
		size := base
		if int64(i) < rem {
			size++
		}
		ranges[i] = rowRange{lo: cursor, hi: cursor + size}
		cursor += size
	}
	return ranges
}

// Execute instantiates root over `degree` concurrent worker ranges and
// returns a single RowSource that yields their rows in overall row order.
// Workers run independently and never share iterator state; within one
// worker's plan, consumers that reach the same node at the same pace share
// a single execution instance (lazy.Node.InstantiateRange memoizes per
// node/pace/range). Cancellation is cooperative via ctx, and the first
// worker error is returned when the combined iterator is fully drained.
func Execute(ctx context.Context, root *lazy.Node, degree int) (lazy.RowSource, error) {
	ranges := planRanges(root, degree)
	if len(ranges) == 0 {
		return &emptyRowSource{schema: root.Schema}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	channels := make([]chan lazy.Row, len(ranges))

	for i, rg := range ranges {
		i, rg := i, rg
		ch := make(chan lazy.Row, 64)
		channels[i] = ch
		g.Go(func() error {
			defer close(ch)
			src, err := root.InstantiateRange(rg.lo, rg.hi)
			if err != nil {
				return err
			}
			defer src.Close()
			for {
				if err := gctx.Err(); err != nil {
					return objerrors.Cancelled()
				}
				row, ok, err := src.Next()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				select {
				case ch <- row:
				case <-gctx.Done():
					return objerrors.Cancelled()
				}
			}
		})
	}

	return &parallelRowSource{schema: root.Schema, channels: channels, g: g}, nil
}

type emptyRowSource struct{ schema []lazy.ColumnSchema }

func (e *emptyRowSource) Schema() []lazy.ColumnSchema { return e.schema }
func (e *emptyRowSource) Next() (lazy.Row, bool, error) { return nil, false, nil }
func (e *emptyRowSource) Close() error                  { return nil }

// parallelRowSource presents D worker channels as one ordered iterator:
// channel 0 drains fully before channel 1 is read, so the combined stream
// preserves overall row order.
type parallelRowSource struct {
	schema   []lazy.ColumnSchema
	channels []chan lazy.Row
	idx      int
	g        *errgroup.Group
	waited   bool
	waitErr  error
}

func (p *parallelRowSource) Schema() []lazy.ColumnSchema { return p.schema }

func (p *parallelRowSource) Next() (lazy.Row, bool, error) {
	for p.idx < len(p.channels) {
		row, ok := <-p.channels[p.idx]
		if ok {
			return row, true, nil
		}
		p.idx++
	}
	if !p.waited {
		p.waited = true
		p.waitErr = p.g.Wait()
	}
	if p.waitErr != nil {
		return nil, false, p.waitErr
	}
	return nil, false, nil
}

func (p *parallelRowSource) Close() error {
	for _, ch := range p.channels {
		for range ch {
			// drain so worker goroutines can observe closed consumer and exit
		}
	}
	if !p.waited {
		p.waited = true
		p.waitErr = p.g.Wait()
	}
	return p.waitErr
}

package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result is an outcome of a single mapped element.
type Result[D any] struct {
	Value D
	Err   error
}

// Map applies mapFunc to every element of input with at most limit calls in
// flight and returns the results in input order. A failing element does not
// stop the others. Elements not started before ctx is done get ctx.Err().
// limit <= 0 means no limit.
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) []Result[D] {
	out := make([]Result[D], len(input))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, e := range input {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			d, err := mapFunc(ctx, e)
			out[i] = Result[D]{Value: d, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Chunks splits s into consecutive slices of at most size elements.
// size <= 0 yields s as a single chunk.
func Chunks[E any](s []E, size int) iter.Seq[[]E] {
	return func(yield func([]E) bool) {
		if len(s) == 0 {
			return
		}
		if size <= 0 {
			size = len(s)
		}
		for start := 0; start < len(s); start += size {
			end := min(start+size, len(s))
			if !yield(s[start:end:end]) {
				return
			}
		}
	}
}

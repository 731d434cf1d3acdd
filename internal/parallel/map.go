package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the input in parallel, at most limit calls at a time.
// Input and output are iterators and the order of the output is the order of
// completion. A canceled context ends the processing, results not yet
// delivered are dropped. Iter returns once every started call has returned,
// so mapFunc is expected to honor its context.
//
//	for d, err := range parallel.NewMap(ctx, 4, f).Iter(parallel.All(input)) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (m *Map[E, D]) feed(seq iter.Seq2[E, error]) {
	m.g.Go(func() error {
		for entry, err := range seq {
			if m.gctx.Err() != nil {
				return nil
			}
			if err != nil {
				continue
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.gctx, entry)
				select {
				case <-m.gctx.Done():
					return m.gctx.Err()
				case m.mapped <- result[D]{d: d, e: err}:
				}
				return nil
			})
		}
		return nil
	})
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		m.feed(seq)

		go func() {
			_ = m.g.Wait()
			close(m.mapped)
		}()
		defer func() {
			m.cancelParent()
			for range m.mapped {
			}
		}()

		for r := range m.mapped {
			if m.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// All adapts a slice to the input of Iter.
func All[E any](s []E) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for _, e := range s {
			if !yield(e, nil) {
				return
			}
		}
	}
}

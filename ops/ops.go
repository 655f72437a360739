// Package ops provides operators connecting streams: map, filter, merge,
// join, combine-latest and unzip. Every operator spawns its goroutines
// immediately and stops when the context is done or its inputs close.
package ops

import (
	"context"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
	"go.uber.org/zap"
)

// Map applies f to every item. Items for which f fails are logged and skipped.
func Map[T any](ctx context.Context, logger shared.LoggerAdapter, in *outspeed.Stream[T], f func(T) (T, error)) *outspeed.Stream[T] {
	out := outspeed.NewStream[T](in.Kind())
	go func() {
		defer out.Close()
		for {
			item, err := in.Get(ctx)
			if err != nil {
				return
			}
			result, err := f(item)
			if err != nil {
				logger.Error("map function failed", err)
				continue
			}
			if err := out.Put(result); err != nil {
				return
			}
		}
	}()
	return out
}

// Filter forwards only the items for which pred returns true.
func Filter[T any](ctx context.Context, logger shared.LoggerAdapter, in *outspeed.Stream[T], pred func(T) bool) *outspeed.Stream[T] {
	out := outspeed.NewStream[T](in.Kind())
	go func() {
		defer out.Close()
		for {
			item, err := in.Get(ctx)
			if err != nil {
				return
			}
			if !pred(item) {
				continue
			}
			if err := out.Put(item); err != nil {
				return
			}
		}
	}()
	return out
}

// Merge fans any number of same-typed inputs into one output.
func Merge[T any](ctx context.Context, logger shared.LoggerAdapter, ins ...*outspeed.Stream[T]) *outspeed.Stream[T] {
	if len(ins) == 0 {
		panic("ops: Merge needs at least one input")
	}
	out := outspeed.NewStream[T](ins[0].Kind())
	for _, in := range ins {
		go func(in *outspeed.Stream[T]) {
			for {
				item, err := in.Get(ctx)
				if err != nil {
					return
				}
				if err := out.Put(item); err != nil {
					return
				}
			}
		}(in)
	}
	return out
}

// Join waits until every input has produced an item, pops one from each in
// order, and applies f to the batch. Errors from f are logged and skipped.
func Join[T any](ctx context.Context, logger shared.LoggerAdapter, ins []*outspeed.Stream[T], f func([]T) (T, error)) *outspeed.Stream[T] {
	if len(ins) == 0 {
		panic("ops: Join needs at least one input")
	}
	out := outspeed.NewStream[T](ins[0].Kind())
	go func() {
		defer out.Close()
		for {
			items := make([]T, 0, len(ins))
			for _, in := range ins {
				item, err := in.Get(ctx)
				if err != nil {
					return
				}
				items = append(items, item)
			}
			result, err := f(items)
			if err != nil {
				logger.Error("join function failed", err)
				continue
			}
			if err := out.Put(result); err != nil {
				return
			}
		}
	}()
	return out
}

// CombineLatest lock-steps N inputs into N outputs: once every input has an
// item, one item is moved from each input to its paired output.
func CombineLatest[T any](ctx context.Context, logger shared.LoggerAdapter, ins []*outspeed.Stream[T]) []*outspeed.Stream[T] {
	outs := make([]*outspeed.Stream[T], len(ins))
	for i, in := range ins {
		outs[i] = outspeed.NewStream[T](in.Kind())
	}
	go func() {
		defer func() {
			for _, out := range outs {
				out.Close()
			}
		}()
		for {
			items := make([]T, len(ins))
			for i, in := range ins {
				item, err := in.Get(ctx)
				if err != nil {
					return
				}
				items[i] = item
			}
			for i, out := range outs {
				if err := out.Put(items[i]); err != nil {
					logger.Warn("combine latest output closed", zap.Int("index", i))
					return
				}
			}
		}
	}()
	return outs
}

// Unzip flattens slice items into individual items.
func Unzip[T any](ctx context.Context, logger shared.LoggerAdapter, in *outspeed.Stream[[]T]) *outspeed.Stream[T] {
	out := outspeed.NewStream[T](in.Kind())
	go func() {
		defer out.Close()
		for {
			batch, err := in.Get(ctx)
			if err != nil {
				return
			}
			for _, item := range batch {
				if err := out.Put(item); err != nil {
					return
				}
			}
		}
	}()
	return out
}

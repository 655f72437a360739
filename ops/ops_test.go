package ops

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
)

func collect[T any](t *testing.T, s *outspeed.Stream[T], n int) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]T, 0, n)
	for len(out) < n {
		item, err := s.Get(ctx)
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestMap(t *testing.T) {
	in := outspeed.NewStream[int](outspeed.KindText)
	out := Map(context.Background(), shared.NewNopLogger(), in, func(v int) (int, error) {
		return v * 2, nil
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, in.Put(i))
	}
	assert.Equal(t, []int{2, 4, 6}, collect(t, out, 3))
}

func TestMapSkipsFailedItems(t *testing.T) {
	in := outspeed.NewStream[int](outspeed.KindText)
	out := Map(context.Background(), shared.NewNopLogger(), in, func(v int) (int, error) {
		if v%2 == 0 {
			return 0, errors.New("even numbers are broken")
		}
		return v, nil
	})

	for i := 1; i <= 4; i++ {
		require.NoError(t, in.Put(i))
	}
	assert.Equal(t, []int{1, 3}, collect(t, out, 2))
}

func TestMapClosesOutputWhenInputCloses(t *testing.T) {
	in := outspeed.NewStream[int](outspeed.KindText)
	out := Map(context.Background(), shared.NewNopLogger(), in, func(v int) (int, error) { return v, nil })
	in.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := out.Get(ctx)
	assert.ErrorIs(t, err, shared.ErrStreamClosed)
}

func TestFilter(t *testing.T) {
	in := outspeed.NewStream[int](outspeed.KindText)
	out := Filter(context.Background(), shared.NewNopLogger(), in, func(v int) bool {
		return v > 2
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, in.Put(i))
	}
	assert.Equal(t, []int{3, 4, 5}, collect(t, out, 3))
}

func TestMerge(t *testing.T) {
	a := outspeed.NewStream[int](outspeed.KindText)
	b := outspeed.NewStream[int](outspeed.KindText)
	out := Merge(context.Background(), shared.NewNopLogger(), a, b)

	require.NoError(t, a.Put(1))
	require.NoError(t, b.Put(2))
	require.NoError(t, a.Put(3))

	got := collect(t, out, 3)
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestMergePanicsWithoutInputs(t *testing.T) {
	assert.Panics(t, func() {
		Merge[int](context.Background(), shared.NewNopLogger())
	})
}

func TestJoin(t *testing.T) {
	a := outspeed.NewStream[int](outspeed.KindText)
	b := outspeed.NewStream[int](outspeed.KindText)
	out := Join(context.Background(), shared.NewNopLogger(), []*outspeed.Stream[int]{a, b}, func(items []int) (int, error) {
		return items[0] + items[1], nil
	})

	require.NoError(t, a.Put(1))
	require.NoError(t, b.Put(10))
	require.NoError(t, a.Put(2))
	require.NoError(t, b.Put(20))

	assert.Equal(t, []int{11, 22}, collect(t, out, 2))
}

func TestCombineLatest(t *testing.T) {
	a := outspeed.NewStream[string](outspeed.KindText)
	b := outspeed.NewStream[string](outspeed.KindText)
	outs := CombineLatest(context.Background(), shared.NewNopLogger(), []*outspeed.Stream[string]{a, b})
	require.Len(t, outs, 2)

	require.NoError(t, a.Put("left"))
	require.NoError(t, b.Put("right"))

	assert.Equal(t, []string{"left"}, collect(t, outs[0], 1))
	assert.Equal(t, []string{"right"}, collect(t, outs[1], 1))
}

func TestUnzip(t *testing.T) {
	in := outspeed.NewStream[[]int](outspeed.KindText)
	out := Unzip(context.Background(), shared.NewNopLogger(), in)

	require.NoError(t, in.Put([]int{1, 2}))
	require.NoError(t, in.Put([]int{3}))

	assert.Equal(t, []int{1, 2, 3}, collect(t, out, 3))
}

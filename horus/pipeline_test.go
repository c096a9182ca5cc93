package horus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineRunsUpstreamFirst(t *testing.T) {
	var order []string
	step := func(name string, up Task) *TaskFunc {
		return &TaskFunc{TaskName: name, Upstream: up, Fn: func(_ context.Context, prev any) (any, error) {
			order = append(order, name)
			n, _ := prev.(int)
			return n + 1, nil
		}}
	}
	first := step("first", nil)
	second := step("second", first)
	third := step("third", second)

	p, err := NewPipeline(third, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, p.Names())

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, out)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPipelineShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	first := &TaskFunc{TaskName: "first", Fn: func(context.Context, any) (any, error) { return nil, boom }}
	second := &TaskFunc{TaskName: "second", Upstream: first, Fn: func(context.Context, any) (any, error) {
		ran = true
		return nil, nil
	}}

	p, err := NewPipeline(second, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, boom)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "first", te.Task)
	require.False(t, ran)
}

func TestPipelineRejectsCycles(t *testing.T) {
	a := &TaskFunc{TaskName: "a"}
	b := &TaskFunc{TaskName: "b", Upstream: a}
	a.Upstream = b

	_, err := NewPipeline(b, nil)
	require.ErrorIs(t, err, ErrTaskCycle)

	_, err = NewPipeline(nil, nil)
	require.Error(t, err)
}

func TestPipelineCanceledContext(t *testing.T) {
	ran := false
	only := &TaskFunc{TaskName: "only", Fn: func(context.Context, any) (any, error) {
		ran = true
		return nil, nil
	}}
	p, err := NewPipeline(only, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

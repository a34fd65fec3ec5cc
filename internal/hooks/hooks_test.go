package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvokeRunsHandlersInOrder(t *testing.T) {
	d := New()
	var order []string
	d.OnInvoke(PrePreload, func(ctx context.Context, payload any) { order = append(order, "a") })
	d.OnInvoke(PrePreload, func(ctx context.Context, payload any) { order = append(order, "b") })

	d.Invoke(context.Background(), PrePreload, nil)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestInvokeCanMutatePayload(t *testing.T) {
	d := New()
	type payload struct{ Notes []string }
	d.OnInvoke(PostPreload, func(ctx context.Context, p any) {
		p.(*payload).Notes = append(p.(*payload).Notes, "extended")
	})

	p := &payload{}
	d.Invoke(context.Background(), PostPreload, p)
	require.Equal(t, []string{"extended"}, p.Notes)
}

func TestInvokeChainThreadsValue(t *testing.T) {
	d := New()
	d.OnChain(SystemPromptExtend, func(ctx context.Context, v any) any {
		return v.(string) + " +plugin-a"
	})
	d.OnChain(SystemPromptExtend, func(ctx context.Context, v any) any {
		return v.(string) + " +plugin-b"
	})

	out := d.InvokeChain(context.Background(), SystemPromptExtend, "base prompt")
	require.Equal(t, "base prompt +plugin-a +plugin-b", out)
}

func TestUnregisteredPointIsNoop(t *testing.T) {
	d := New()
	require.NotPanics(t, func() { d.Invoke(context.Background(), "UNKNOWN", nil) })
	require.Equal(t, "x", d.InvokeChain(context.Background(), "UNKNOWN", "x"))
}

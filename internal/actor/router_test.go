package actor

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"go.uber.org/zap"
)

type namedClient struct {
	name  string
	err   error
	calls int
}

func (c *namedClient) Infer(context.Context, inference.Request) (inference.Response, error) {
	c.calls++
	if c.err != nil {
		return inference.Response{}, c.err
	}
	return inference.Response{ServedVersion: 1}, nil
}

func TestRouterSticky(t *testing.T) {
	r := NewRouter(zap.NewNop())
	for _, n := range []string{"a", "b", "c"} {
		r.Add(n, &namedClient{name: n})
	}
	first := r.Pick("env-17")
	for i := 0; i < 10; i++ {
		if got := r.Pick("env-17"); got != first {
			t.Fatalf("routing not sticky: %s then %s", first, got)
		}
	}
	r.Bind("env-17", "c")
	if got := r.Pick("env-17"); got != "c" {
		t.Errorf("binding ignored, got %s", got)
	}
}

func TestRouterFallsBackOnUnavailable(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &namedClient{name: "a", err: faults.ErrInferenceUnavailable}
	up := &namedClient{name: "b"}
	r.Add("a", down)
	r.Add("b", up)
	r.Bind("env", "a")

	if _, err := r.Infer(context.Background(), "env", inference.Request{}); err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if down.calls != 1 || up.calls != 1 {
		t.Errorf("calls a=%d b=%d", down.calls, up.calls)
	}

	strict := &namedClient{err: faults.ErrVersionNotServed}
	r.Add("a", strict)
	if _, err := r.Infer(context.Background(), "env", inference.Request{}); !errors.Is(err, faults.ErrVersionNotServed) {
		t.Errorf("got %v, want the primary's error without fallback", err)
	}
}

func TestRouterEmpty(t *testing.T) {
	_, err := NewRouter(zap.NewNop()).Infer(context.Background(), "env", inference.Request{})
	if !errors.Is(err, faults.ErrInferenceUnavailable) {
		t.Fatalf("got %v", err)
	}
}

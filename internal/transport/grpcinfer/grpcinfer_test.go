package grpcinfer

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/shard"
)

type echoBackend struct{ err error }

func (b echoBackend) Infer(_ context.Context, req inference.Request) (inference.Response, error) {
	if b.err != nil {
		return inference.Response{}, b.err
	}
	resp := inference.Response{ServedVersion: 5}
	for _, o := range req.Observations {
		v, _ := o.AsFloat64s()
		resp.Samples = append(resp.Samples, inference.Sample{Action: shard.Int64s(int64(v[0])), LogProb: -1})
	}
	return resp, nil
}

func serve(t *testing.T, b Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewServer(b, zap.NewNop()).Serve(ctx, lis)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInferRoundTrip(t *testing.T) {
	c := serve(t, echoBackend{})
	resp, err := c.Infer(context.Background(), inference.Request{
		Observations: []shard.Tensor{shard.Float64s(1), shard.Float64s(0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ServedVersion != 5 || len(resp.Samples) != 2 {
		t.Fatalf("got %+v", resp)
	}
	a, _ := resp.Samples[0].Action.AsInt64s()
	if a[0] != 1 {
		t.Errorf("got action %v, want 1", a)
	}
}

func TestErrorsCrossTheWire(t *testing.T) {
	for _, want := range []error{faults.ErrInferenceUnavailable, faults.ErrVersionNotServed} {
		c := serve(t, echoBackend{err: want})
		_, err := c.Infer(context.Background(), inference.Request{Observations: []shard.Tensor{shard.Float64s(1)}})
		if !errors.Is(err, want) {
			t.Errorf("got %v, want %v", err, want)
		}
	}
}

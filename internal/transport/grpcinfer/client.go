package grpcinfer

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
)

// Client is an inference.Client over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Extra options are appended after the
// insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc connect %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Infer(ctx context.Context, req inference.Request) (inference.Response, error) {
	var resp inference.Response
	err := c.conn.Invoke(ctx, inferMethod, &req, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return inference.Response{}, fromStatus(err)
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", faults.ErrInferenceUnavailable, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", faults.ErrVersionNotServed, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return fmt.Errorf("grpc infer: %w", err)
}

var _ inference.Client = (*Client)(nil)

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/shotpipe/internal/message"
)

// Client is a typed client for the Monitor service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Start starts monitoring and returns the resulting state.
func (c *Client) Start(ctx context.Context) (bool, error) {
	return c.callBool(ctx, methodStart)
}

// Stop stops monitoring and returns the resulting state.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	return c.callBool(ctx, methodStop)
}

// Toggle flips monitoring and returns the resulting state.
func (c *Client) Toggle(ctx context.Context) (bool, error) {
	return c.callBool(ctx, methodToggle)
}

// Status queries the monitoring state and counters.
func (c *Client) Status(ctx context.Context) (message.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return message.Status{}, err
	}
	return message.StatusFromStruct(out)
}

// Latest returns the PNG of the last detected image.
func (c *Client) Latest(ctx context.Context) ([]byte, error) {
	out := new(httpbody.HttpBody)
	if err := c.cc.Invoke(ctx, methodLatest, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.GetData(), nil
}

// Copy places an encoded image on the daemon's clipboard.
func (c *Client) Copy(ctx context.Context, contentType string, data []byte) error {
	in := &httpbody.HttpBody{ContentType: contentType, Data: data}
	return c.cc.Invoke(ctx, methodCopy, in, new(emptypb.Empty))
}

// Watch streams events to fn until ctx is cancelled, the server ends the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(message.Event) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		s := new(structpb.Struct)
		if err := stream.RecvMsg(s); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ev, err := message.EventFromStruct(s)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) callBool(ctx context.Context, method string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

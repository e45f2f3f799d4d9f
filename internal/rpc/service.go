package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/shotpipe/internal/message"
	"go.klb.dev/shotpipe/internal/monitor"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/raster"
)

// watchBuffer is the per-stream queue between the dispatcher and the gRPC send loop.
const watchBuffer = 16

// Service implements MonitorServer on top of an Engine.
type Service struct {
	e     *monitor.Engine
	d     *notify.Dispatcher
	token string // empty = no auth
}

// NewService returns a Service. token may be empty to disable auth.
func NewService(e *monitor.Engine, d *notify.Dispatcher, token string) *Service {
	return &Service{e: e, d: d, token: token}
}

// Start implements Monitor.Start.
func (s *Service) Start(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	if err := s.e.Start(); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(true), nil
}

// Stop implements Monitor.Stop.
func (s *Service) Stop(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	s.e.Stop()
	return wrapperspb.Bool(false), nil
}

// Toggle implements Monitor.Toggle.
func (s *Service) Toggle(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	on, err := s.e.Toggle()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(on), nil
}

// Status implements Monitor.Status.
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	st, err := message.StatusFrom(s.e.Stats(), s.d.Subscribers(), s.d.Dropped()).ToStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// Latest implements Monitor.Latest.
func (s *Service) Latest(ctx context.Context, _ *emptypb.Empty) (*httpbody.HttpBody, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	ev, err := s.e.Latest()
	if err != nil {
		return nil, toStatus(err)
	}
	return &httpbody.HttpBody{ContentType: "image/png", Data: ev.Image.PNG}, nil
}

// Copy implements Monitor.Copy.
func (s *Service) Copy(ctx context.Context, req *httpbody.HttpBody) (*emptypb.Empty, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	if len(req.GetData()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty image")
	}
	if _, err := s.e.Copy(ctx, req.GetData()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Watch implements Monitor.Watch. The stream carries events published after
// the call; there is no replay.
func (s *Service) Watch(_ *emptypb.Empty, stream WatchServer) error {
	ctx := stream.Context()
	if err := s.Authorize(ctx); err != nil {
		return err
	}

	addr := addrFromCtx(ctx)
	ch := make(chan message.Event, watchBuffer)
	push := func(ev message.Event) error {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
		return nil
	}
	unsubscribe := s.d.Subscribe("grpc:"+addr, notify.Handlers{
		Image: func(ev notify.ImageEvent) error { return push(message.FromImage(ev)) },
		State: func(ev notify.StateEvent) error { return push(message.FromState(ev)) },
	})
	defer unsubscribe()

	slog.Info("watch started", "peer", addr)
	defer slog.Info("watch ended", "peer", addr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			st, err := ev.ToStruct()
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(st); err != nil {
				return err
			}
		}
	}
}

// Authorize validates the bearer token in the incoming metadata of ctx.
// It always succeeds when the service has no token.
func (s *Service) Authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	tok := strings.TrimPrefix(vals[0], "Bearer ")
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, monitor.ErrNoImage):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, raster.ErrUnsupported), errors.Is(err, raster.ErrTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		// Closed engine or clipboard subsystem failure: the daemon is up but cannot monitor.
		return status.Error(codes.Unavailable, err.Error())
	}
}

func addrFromCtx(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

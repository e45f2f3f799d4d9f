// Package gateway serves the Monitor service as HTTP/JSON on a grpc-gateway
// ServeMux. Requests are dispatched in-process to an rpc.Service, so bearer
// auth and error codes behave exactly as they do over gRPC.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"go.klb.dev/shotpipe/internal/message"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/rpc"
)

// MaxUploadBytes caps the body of POST /v1/images.
const MaxUploadBytes = 64 << 20

// eventBuffer is the per-connection queue between the dispatcher and the response writer.
const eventBuffer = 16

type gateway struct {
	mux *gwruntime.ServeMux
	svc *rpc.Service
	d   *notify.Dispatcher
}

// New returns a ServeMux exposing:
//
//	GET  /v1/monitor          status
//	POST /v1/monitor/start    start monitoring
//	POST /v1/monitor/stop     stop monitoring
//	POST /v1/monitor/toggle   flip monitoring
//	GET  /v1/images/latest    last detected image, image/png
//	POST /v1/images           put the request body image on the clipboard
//	GET  /v1/events           newline-delimited JSON event stream
func New(svc *rpc.Service, d *notify.Dispatcher) (*gwruntime.ServeMux, error) {
	g := &gateway{
		mux: gwruntime.NewServeMux(),
		svc: svc,
		d:   d,
	}

	routes := []struct {
		method, pattern string
		h               gwruntime.HandlerFunc
	}{
		{http.MethodGet, "/v1/monitor", g.unary("Status", func(ctx context.Context, _ *http.Request) (proto.Message, error) {
			return svc.Status(ctx, &emptypb.Empty{})
		})},
		{http.MethodPost, "/v1/monitor/start", g.unary("Start", func(ctx context.Context, _ *http.Request) (proto.Message, error) {
			return svc.Start(ctx, &emptypb.Empty{})
		})},
		{http.MethodPost, "/v1/monitor/stop", g.unary("Stop", func(ctx context.Context, _ *http.Request) (proto.Message, error) {
			return svc.Stop(ctx, &emptypb.Empty{})
		})},
		{http.MethodPost, "/v1/monitor/toggle", g.unary("Toggle", func(ctx context.Context, _ *http.Request) (proto.Message, error) {
			return svc.Toggle(ctx, &emptypb.Empty{})
		})},
		{http.MethodGet, "/v1/images/latest", g.unary("Latest", func(ctx context.Context, _ *http.Request) (proto.Message, error) {
			return svc.Latest(ctx, &emptypb.Empty{})
		})},
		{http.MethodPost, "/v1/images", g.unary("Copy", g.copyImage)},
		{http.MethodGet, "/v1/events", g.events},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, err
		}
	}
	return g.mux, nil
}

// unary adapts an in-process call to a route, the way generated
// Register*HandlerServer code does.
func (g *gateway) unary(method string, call func(context.Context, *http.Request) (proto.Message, error)) gwruntime.HandlerFunc {
	fullMethod := "/" + rpc.ServiceName + "/" + method
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		_, outbound := gwruntime.MarshalerForRequest(g.mux, r)

		annotated, err := gwruntime.AnnotateIncomingContext(ctx, g.mux, r, fullMethod)
		if err != nil {
			gwruntime.HTTPError(ctx, g.mux, outbound, w, r, err)
			return
		}
		ctx = annotated
		resp, err := call(ctx, r)
		if err != nil {
			gwruntime.HTTPError(ctx, g.mux, outbound, w, r, err)
			return
		}
		gwruntime.ForwardResponseMessage(ctx, g.mux, outbound, w, r, resp)
	}
}

func (g *gateway) copyImage(ctx context.Context, r *http.Request) (proto.Message, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxUploadBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(data) > MaxUploadBytes {
		return nil, status.Error(codes.InvalidArgument, "image too large")
	}
	return g.svc.Copy(ctx, &httpbody.HttpBody{
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	})
}

// events streams every event published after the request as one JSON
// object per line, flushing after each.
func (g *gateway) events(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	_, outbound := gwruntime.MarshalerForRequest(g.mux, r)
	ctx := r.Context()
	annotated, err := gwruntime.AnnotateIncomingContext(ctx, g.mux, r, "/"+rpc.ServiceName+"/Watch")
	if err == nil {
		ctx = annotated
		err = g.svc.Authorize(ctx)
	}
	if err != nil {
		gwruntime.HTTPError(ctx, g.mux, outbound, w, r, err)
		return
	}

	ch := make(chan message.Event, eventBuffer)
	push := func(ev message.Event) error {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
		return nil
	}
	unsubscribe := g.d.Subscribe("http:"+r.RemoteAddr, notify.Handlers{
		Image: func(ev notify.ImageEvent) error { return push(message.FromImage(ev)) },
		State: func(ev notify.StateEvent) error { return push(message.FromState(ev)) },
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			b, err := ev.Encode()
			if err != nil {
				slog.Warn("gateway: encode event", "err", err)
				continue
			}
			if _, err := w.Write(append(b, '\n')); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
